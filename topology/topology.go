// Package topology implements the optional network-topology probe (the CLI's
// --nd flag): a lightweight direct peer-to-peer peer-graph survey that periodically
// snapshots what this node has observed of the mesh to a human-readable file.
// Grounded on original_source/bcws/peering.py's _network_discovery_loop
// (SPEC_FULL.md section 4's supplemented-feature list).
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/peering"
)

// ProbeInterval is how often the probe asks its peers for their own peer
// lists and rewrites the snapshot file.
const ProbeInterval = 15 * time.Second

// wireKinds carried inside plain messaging (not gossip: a topology probe is
// a direct peer-to-peer request/response, per spec.md section 6).
const (
	KindGetPeers     = "p2pd:get_peers"
	KindGetPeersResp = "p2pd:get_peers_resp"
)

type peerEntry struct {
	Endpoint string `json:"endpoint"`
	ID       string `json:"id"`
}

// Prober periodically asks every known peer to list its own peers, and
// writes the observed adjacency to an output file.
type Prober struct {
	net        *peering.Network
	outputPath string

	mu   sync.Mutex
	seen map[string][]peerEntry // peer id -> that peer's reported peer list

	stopCh chan struct{}
}

// New wires a topology prober onto net, writing snapshots to outputPath.
func New(net *peering.Network, outputPath string) *Prober {
	p := &Prober{
		net:        net,
		outputPath: outputPath,
		seen:       make(map[string][]peerEntry),
		stopCh:     make(chan struct{}),
	}
	net.Register(KindGetPeers, p.handleGetPeers)
	net.Register(KindGetPeersResp, p.handleGetPeersResp)
	return p
}

// Start begins the background probe loop.
func (p *Prober) Start() { go p.loop() }

// Stop terminates the probe loop.
func (p *Prober) Stop() { close(p.stopCh) }

func (p *Prober) loop() {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *Prober) probeOnce() {
	self := p.selfEntries()
	p.mu.Lock()
	p.seen[p.net.MyID()] = self
	p.mu.Unlock()

	for _, peer := range p.net.Peers() {
		if err := p.net.SendRaw(peer.Endpoint, KindGetPeers, nil); err != nil {
			log.Cat(log.CatP2D, "topology probe send failed", "to", peer.Endpoint, "err", err)
		}
	}
	p.writeSnapshot()
}

func (p *Prober) selfEntries() []peerEntry {
	peers := p.net.Peers()
	out := make([]peerEntry, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peerEntry{Endpoint: peer.Endpoint.String(), ID: peer.ID})
	}
	return out
}

func (p *Prober) handleGetPeers(_ json.RawMessage, from nodecommon.Endpoint) {
	entries := p.selfEntries()
	if err := p.net.SendRaw(from, KindGetPeersResp, entries); err != nil {
		log.Cat(log.CatP2D, "topology probe response failed", "to", from, "err", err)
	}
}

func (p *Prober) handleGetPeersResp(payload json.RawMessage, from nodecommon.Endpoint) {
	var entries []peerEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		log.Cat(log.CatErr, "bad p2pd:get_peers_resp payload", "from", from, "err", err)
		return
	}

	var reporterID string
	for _, peer := range p.net.Peers() {
		if peer.Endpoint == from {
			reporterID = peer.ID
			break
		}
	}
	if reporterID == "" {
		return
	}

	p.mu.Lock()
	p.seen[reporterID] = entries
	p.mu.Unlock()
	p.writeSnapshot()
}

// writeSnapshot renders the currently observed adjacency as human-readable
// text and writes it to outputPath, write-then-rename to avoid partial reads.
func (p *Prober) writeSnapshot() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.seen))
	for id := range p.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var body string
	body += fmt.Sprintf("network layout observed by %s at %s\n\n", p.net.MyID(), time.Now().Format(time.RFC3339))
	for _, id := range ids {
		body += fmt.Sprintf("%s:\n", id)
		for _, e := range p.seen[id] {
			body += fmt.Sprintf("  -> %s (%s)\n", e.ID, e.Endpoint)
		}
	}
	p.mu.Unlock()

	tmp := p.outputPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		log.Cat(log.CatErr, "failed to write topology snapshot", "err", err)
		return
	}
	if err := os.Rename(tmp, p.outputPath); err != nil {
		log.Cat(log.CatErr, "failed to rename topology snapshot into place", "err", err)
	}
}
