package chain

import (
	"sync"
	"time"

	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/log"
)

// MempoolTTL is how long a transaction stays in the mempool after its last
// observation before being evicted, per spec.md section 3/4.6.
const MempoolTTL = 60 * time.Second

// MempoolCleanupInterval is how often the eviction sweep runs.
const MempoolCleanupInterval = 10 * time.Second

// Mempool holds not-yet-mined, signature-verified transactions, at most one
// per transaction hash, with soft (time-based) membership.
type Mempool struct {
	gsp *gossip.Gossip

	mu       sync.Mutex
	txs      map[string]*Transaction
	lastSeen map[string]time.Time
	order    []string // hashes in first-observed order, for FIFO build order

	stopCh chan struct{}
}

// NewMempool creates a mempool wired to broadcast/receive bc:new_tx gossip
// messages.
func NewMempool(gsp *gossip.Gossip) *Mempool {
	m := &Mempool{
		gsp:      gsp,
		txs:      make(map[string]*Transaction),
		lastSeen: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	gsp.Register("bc:new_tx", m.handleNewTx)
	return m
}

// Start begins the background TTL eviction sweep.
func (m *Mempool) Start() { go m.cleanupLoop() }

// Stop terminates the eviction sweep.
func (m *Mempool) Stop() { close(m.stopCh) }

// AnnounceTransaction broadcasts tx as a bc:new_tx gossip message and
// inserts it locally, per spec.md section 4.6.
func (m *Mempool) AnnounceTransaction(tx *Transaction) error {
	msg, err := gossip.NewMessage("bc:new_tx", tx.Serialize())
	if err != nil {
		return err
	}
	m.insert(tx)
	m.gsp.Broadcast(msg)
	return nil
}

func (m *Mempool) insert(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := tx.HashHex()
	if _, exists := m.txs[h]; !exists {
		m.order = append(m.order, h)
	}
	m.txs[h] = tx
	m.lastSeen[h] = time.Now()
}

// EvictTransaction removes tx from the mempool, e.g. when build_block finds
// it no longer valid against the current state (spec.md section 4.9).
func (m *Mempool) EvictTransaction(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(tx.HashHex())
}

// removeLocked deletes h from every tracking structure. Caller must hold mu.
func (m *Mempool) removeLocked(h string) {
	delete(m.txs, h)
	delete(m.lastSeen, h)
	for i, o := range m.order {
		if o == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// GetTransactions returns the live transaction set in FIFO (first-observed)
// order, per spec.md section 4.9's build_block iteration order.
func (m *Mempool) GetTransactions() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, 0, len(m.txs))
	for _, h := range m.order {
		if tx, ok := m.txs[h]; ok {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Mempool) handleNewTx(msg gossip.Message) {
	var raw string
	if err := msg.Payload(&raw); err != nil {
		log.Cat(log.CatErr, "bad bc:new_tx payload", "err", err)
		return
	}
	tx, err := DeserializeTransaction(raw)
	if err != nil {
		log.Cat(log.CatErr, "bad transaction wire form", "err", err)
		return
	}
	if !tx.VerifySignature() {
		log.Cat(log.CatErr, "dropping transaction with invalid signature", "hash", tx.HashHex())
		return
	}
	log.Cat(log.CatBlc, "accepted transaction into mempool", "hash", tx.HashHex())
	m.insert(tx)
}

func (m *Mempool) cleanupLoop() {
	ticker := time.NewTicker(MempoolCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Mempool) sweepExpired() {
	cutoff := time.Now().Add(-MempoolTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, ls := range m.lastSeen {
		if ls.Before(cutoff) {
			log.Cat(log.CatBlc, "evicting stale mempool transaction", "hash", h)
			m.removeLocked(h)
		}
	}
}
