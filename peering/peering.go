// Package peering implements L2: a bounded, liveness-checked table of
// neighbour peers used as the gossip/search fan-out target. Grounded on
// original_source/bcws/peering.py's P2PNetwork, with the mutex-guarded,
// snapshot-before-iterate map discipline of the teacher's evr/peer.go
// peerSet (spec.md section 5 requires explicit synchronisation reifying the
// source interpreter's implicit per-operation atomicity).
package peering

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/messaging"
)

const (
	// PingInterval is how often the liveness loop pings every peer.
	PingInterval = 10 * time.Second
	// ActivityTimeout evicts a peer whose last_seen exceeds this age.
	ActivityTimeout = 30 * time.Second
	// DefaultPeerLimit is the default bound on the peer table size.
	DefaultPeerLimit = 5
)

// Record is a known remote node: identifier, endpoint, and liveness
// timestamp, per spec.md section 3.
type Record struct {
	ID       string
	Endpoint nodecommon.Endpoint
	lastSeen time.Time
}

// Network maintains this node's peer table and membership protocol.
type Network struct {
	msg       *messaging.Messaging
	myID      string
	peerLimit int

	mu       sync.RWMutex
	peers    map[string]*Record
	lastSeen map[string]time.Time

	stopCh chan struct{}
}

// New creates a peering overlay bound to msg, with myID as this node's
// stable identifier.
func New(msg *messaging.Messaging, myID string, peerLimit int) *Network {
	if peerLimit <= 0 {
		peerLimit = DefaultPeerLimit
	}
	n := &Network{
		msg:       msg,
		myID:      myID,
		peerLimit: peerLimit,
		peers:     make(map[string]*Record),
		lastSeen:  make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
	msg.Register("p2p:announce", n.handleAnnounce)
	msg.Register("p2p:ask_for_peers", n.handleAskForPeers)
	msg.Register("p2p:peers", n.handlePeers)
	msg.Register("p2p:ping", n.handlePing)
	msg.Register("p2p:pong", n.handlePong)
	return n
}

// MyID returns this node's stable peer identifier.
func (n *Network) MyID() string { return n.myID }

// Register passes through to the underlying messaging layer, letting
// higher layers (gossip) bind their own message kinds without reaching
// around the peering overlay.
func (n *Network) Register(kind string, handler func(payload json.RawMessage, from nodecommon.Endpoint)) {
	n.msg.Register(kind, handler)
}

// Start begins the background liveness loop.
func (n *Network) Start() {
	go n.livenessLoop()
}

// Stop terminates the background liveness loop.
func (n *Network) Stop() { close(n.stopCh) }

// AnnounceTo bootstraps toward addr: sends both p2p:announce and
// p2p:ask_for_peers, per spec.md section 4.3.
func (n *Network) AnnounceTo(addr nodecommon.Endpoint) {
	if err := n.msg.Send(addr, "p2p:announce", n.myID); err != nil {
		log.Cat(log.CatP2P, "announce send failed", "to", addr, "err", err)
	}
	if err := n.msg.Send(addr, "p2p:ask_for_peers", nil); err != nil {
		log.Cat(log.CatP2P, "ask_for_peers send failed", "to", addr, "err", err)
	}
}

// SendRaw sends a single message of kind to one endpoint, bypassing
// broadcast. Used by collaborators (e.g. the topology prober) that need
// point-to-point request/response rather than fan-out.
func (n *Network) SendRaw(to nodecommon.Endpoint, kind string, payload interface{}) error {
	return n.msg.Send(to, kind, payload)
}

// Peers returns a snapshot of the current peer table.
func (n *Network) Peers() []*Record {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Record, 0, len(n.peers))
	for _, r := range n.peers {
		out = append(out, r)
	}
	return out
}

// Len returns the current number of known peers.
func (n *Network) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Broadcast sends a message to every current peer. No retries, no ack, per
// spec.md section 4.4's egress contract.
func (n *Network) Broadcast(kind string, payload interface{}) {
	targets := n.Peers()
	log.Cat(log.CatP2P, "broadcasting", "kind", kind, "peers", len(targets))
	for _, p := range targets {
		if err := n.msg.Send(p.Endpoint, kind, payload); err != nil {
			log.Cat(log.CatP2P, "broadcast send failed", "to", p.Endpoint, "err", err)
		}
	}
}

// addPeer implements the add-peer procedure of spec.md section 4.3: ignore
// self, ignore already-present, else insert, announce back, and evict a
// uniformly random peer on overflow.
func (n *Network) addPeer(id string, ep nodecommon.Endpoint) {
	if id == n.myID {
		return
	}

	n.mu.Lock()
	if _, exists := n.peers[id]; exists {
		n.mu.Unlock()
		return
	}
	log.Cat(log.CatP2P, "new peer", "id", id, "endpoint", ep)
	n.peers[id] = &Record{ID: id, Endpoint: ep, lastSeen: time.Now()}
	n.lastSeen[id] = time.Now()

	var evicted string
	if len(n.peers) > n.peerLimit {
		keys := make([]string, 0, len(n.peers))
		for k := range n.peers {
			keys = append(keys, k)
		}
		evicted = keys[rand.Intn(len(keys))]
		delete(n.peers, evicted)
		delete(n.lastSeen, evicted)
	}
	n.mu.Unlock()

	if evicted != "" {
		log.Cat(log.CatP2P, "peer limit reached, evicted random peer", "evicted", evicted)
	}
	n.AnnounceTo(ep)
}

func (n *Network) livenessLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.pingAndSweep()
		}
	}
}

func (n *Network) pingAndSweep() {
	log.Cat(log.CatP2P, "pinging peers")
	for _, p := range n.Peers() {
		if err := n.msg.Send(p.Endpoint, "p2p:ping", n.myID); err != nil {
			log.Cat(log.CatP2P, "ping send failed", "to", p.Endpoint, "err", err)
		}
	}

	cutoff := time.Now().Add(-ActivityTimeout)
	n.mu.Lock()
	for id, ls := range n.lastSeen {
		if ls.Before(cutoff) {
			log.Cat(log.CatP2P, "peer timed out", "id", id)
			delete(n.peers, id)
			delete(n.lastSeen, id)
		}
	}
	n.mu.Unlock()
}

type peerEntry struct {
	Endpoint nodecommon.Endpoint
	ID       string
}

// MarshalJSON renders a peerEntry as the wire tuple [endpoint_string, id].
func (e peerEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Endpoint.String(), e.ID})
}

// UnmarshalJSON parses the wire tuple [endpoint_string, id].
func (e *peerEntry) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	ep, err := nodecommon.ParseEndpoint(pair[0])
	if err != nil {
		return err
	}
	e.Endpoint = ep
	e.ID = pair[1]
	return nil
}

func (n *Network) handleAnnounce(payload json.RawMessage, from nodecommon.Endpoint) {
	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		log.Cat(log.CatErr, "bad p2p:announce payload", "from", from, "err", err)
		return
	}
	log.Cat(log.CatP2P, "received announce", "from", from, "id", id)
	n.addPeer(id, from)
}

func (n *Network) handleAskForPeers(_ json.RawMessage, from nodecommon.Endpoint) {
	log.Cat(log.CatP2P, "sending peers", "to", from)
	entries := make([]peerEntry, 0, n.Len())
	for _, p := range n.Peers() {
		entries = append(entries, peerEntry{Endpoint: p.Endpoint, ID: p.ID})
	}
	if err := n.msg.Send(from, "p2p:peers", entries); err != nil {
		log.Cat(log.CatP2P, "p2p:peers send failed", "to", from, "err", err)
	}
}

func (n *Network) handlePeers(payload json.RawMessage, from nodecommon.Endpoint) {
	var entries []peerEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		log.Cat(log.CatErr, "bad p2p:peers payload", "from", from, "err", err)
		return
	}
	log.Cat(log.CatP2P, "received peers", "from", from, "count", len(entries))
	for _, e := range entries {
		n.addPeer(e.ID, e.Endpoint)
	}
}

func (n *Network) handlePing(payload json.RawMessage, from nodecommon.Endpoint) {
	log.Cat(log.CatP2P, "received ping", "from", from)
	if err := n.msg.Send(from, "p2p:pong", n.myID); err != nil {
		log.Cat(log.CatP2P, "pong send failed", "to", from, "err", err)
	}
}

func (n *Network) handlePong(payload json.RawMessage, from nodecommon.Endpoint) {
	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		log.Cat(log.CatErr, "bad p2p:pong payload", "from", from, "err", err)
		return
	}
	log.Cat(log.CatP2P, "received pong", "from", from, "id", id)
	n.mu.Lock()
	if rec, ok := n.peers[id]; ok {
		now := time.Now()
		n.lastSeen[id] = now
		rec.lastSeen = now
	}
	n.mu.Unlock()
}
