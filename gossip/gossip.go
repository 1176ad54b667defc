// Package gossip implements L3: at-most-once-delivered-to-each-handler
// epidemic broadcast over the peering overlay, deduplicated by content hash.
// Grounded on original_source/bcws/gossip.py's Gossip/GossipMessage, with
// the known-message membership test modeled on evr/peer.go's knownTxs/
// knownBlocks mapset.Set usage (same library, same "have I seen this
// already" problem).
package gossip

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/peering"
)

// KnownMessageTTL is how long a gossip identifier is remembered for dedup
// purposes after first observation, per spec.md section 4.4.
const KnownMessageTTL = 30 * time.Second

// CleanupInterval is how often the dedup set is swept for expired entries.
const CleanupInterval = 10 * time.Second

// Message is a typed gossip payload plus its canonical encoding and
// content-derived identifier, per spec.md section 3.
type Message struct {
	Kind string
	Raw  string // canonical JSON of [kind, payload]
	ID   string // lowercase hex SHA-256 of Raw
}

// NewMessage builds a gossip Message from a kind and an arbitrary payload,
// computing its canonical JSON form and identifier.
func NewMessage(kind string, payload interface{}) (Message, error) {
	raw, err := json.Marshal([2]interface{}{kind, payload})
	if err != nil {
		return Message{}, fmt.Errorf("encode gossip message: %w", err)
	}
	return messageFromRaw(string(raw))
}

// messageFromRaw reconstructs a Message from its already-encoded raw JSON,
// as received inside a gossip:send envelope.
func messageFromRaw(raw string) (Message, error) {
	var pair [2]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return Message{}, fmt.Errorf("decode gossip message: %w", err)
	}
	var kind string
	if err := json.Unmarshal(pair[0], &kind); err != nil {
		return Message{}, fmt.Errorf("decode gossip kind: %w", err)
	}
	sum := sha256.Sum256([]byte(raw))
	return Message{Kind: kind, Raw: raw, ID: hex.EncodeToString(sum[:])}, nil
}

// Payload unmarshals the message's inner payload into v.
func (m Message) Payload(v interface{}) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal([]byte(m.Raw), &pair); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], v)
}

// Handler processes one gossip message of its registered kind.
type Handler func(msg Message)

// Gossip implements epidemic broadcast with dedup over a peering.Network.
type Gossip struct {
	net *peering.Network

	mu       sync.Mutex
	handlers map[string]Handler
	known    mapset.Set // member identifiers currently within TTL
	expiry   map[string]time.Time

	stopCh chan struct{}
}

// New binds a gossip layer to an existing peering overlay. It registers
// itself as the messaging handler for the "gossip:send" kind.
func New(net *peering.Network, register func(kind string, handler func(payload json.RawMessage, from nodecommon.Endpoint))) *Gossip {
	g := &Gossip{
		net:      net,
		handlers: make(map[string]Handler),
		known:    mapset.NewSet(),
		expiry:   make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	register("gossip:send", g.handleSend)
	return g
}

// Start begins the background dedup-expiry cleanup loop.
func (g *Gossip) Start() {
	go g.cleanupLoop()
}

// Stop terminates the cleanup loop.
func (g *Gossip) Stop() { close(g.stopCh) }

// Register binds handler to a gossip kind. Duplicate registration is a
// fatal configuration error, per spec.md section 4.4/7.
func (g *Gossip) Register(kind string, handler Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.handlers[kind]; exists {
		log.Crit("duplicate gossip handler registration", "kind", kind)
	}
	g.handlers[kind] = handler
}

// Broadcast marks msg as known (starting its TTL) and sends it to every
// current peer wrapped in a gossip:send envelope, per spec.md section 4.4.
func (g *Gossip) Broadcast(msg Message) {
	g.markKnown(msg.ID)
	log.Cat(log.CatGsp, "broadcasting message", "kind", msg.Kind, "id", msg.ID[:8])
	go g.net.Broadcast("gossip:send", msg.Raw)
}

func (g *Gossip) markKnown(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.known.Add(id)
	g.expiry[id] = time.Now().Add(KnownMessageTTL)
}

func (g *Gossip) isKnown(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.known.Contains(id)
}

func (g *Gossip) handleSend(payload json.RawMessage, _ nodecommon.Endpoint) {
	var raw string
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Cat(log.CatErr, "bad gossip:send payload", "err", err)
		return
	}
	msg, err := messageFromRaw(raw)
	if err != nil {
		log.Cat(log.CatErr, "bad gossip message", "err", err)
		return
	}
	if g.isKnown(msg.ID) {
		return
	}

	g.mu.Lock()
	handler, ok := g.handlers[msg.Kind]
	g.mu.Unlock()

	if ok {
		handler(msg)
	} else {
		log.Cat(log.CatErr, "unhandled gossip message kind", "kind", msg.Kind)
	}

	g.Broadcast(msg)
}

func (g *Gossip) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sweepExpired()
		}
	}
}

func (g *Gossip) sweepExpired() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, exp := range g.expiry {
		if now.After(exp) {
			log.Cat(log.CatGsp, "timing out known message", "id", id[:8])
			g.known.Remove(id)
			delete(g.expiry, id)
		}
	}
}
