package chain

import (
	"sync"

	"github.com/bcws-network/node/log"
)

// Canonicaliser decides, among all blocks the fork manager has confirmed,
// which form the single canonical chain, and replays them against
// persisted account state. Per spec.md section 4.8, update_canonical is
// idempotent and expected to run single-threaded.
type Canonicaliser struct {
	store *Store
	fm    *ForkManager

	mu     sync.Mutex
	latest *State
}

// NewCanonicaliser opens (or seeds) the canonical chain at genesis and
// wires itself to run on every fork-manager confirmation.
func NewCanonicaliser(store *Store, fm *ForkManager) *Canonicaliser {
	c := &Canonicaliser{store: store, fm: fm}

	if _, ok := store.LatestCanonicalNumber(); !ok {
		genesis := Genesis()
		genesisState := NewGenesisState()
		if err := store.PutBlock(genesis); err != nil {
			log.Cat(log.CatErr, "failed to persist genesis block", "err", err)
		}
		if err := store.SetCanonical(0, genesis.HashHex()); err != nil {
			log.Cat(log.CatErr, "failed to record genesis as canonical", "err", err)
		}
		if err := store.PutState(genesisState); err != nil {
			log.Cat(log.CatErr, "failed to persist genesis state", "err", err)
		}
		c.latest = genesisState
	}

	fm.OnConfirmed(func(b *Block) { c.UpdateCanonical() })
	return c
}

// GetLatestState returns the in-memory cached canonical state, loading it
// from disk on first use.
func (c *Canonicaliser) GetLatestState() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestLocked()
}

func (c *Canonicaliser) latestLocked() *State {
	if c.latest != nil {
		return c.latest
	}
	n, ok := c.store.LatestCanonicalNumber()
	if !ok {
		c.latest = NewGenesisState()
		return c.latest
	}
	st, ok := c.store.GetState(n)
	if !ok {
		log.Cat(log.CatErr, "missing persisted state for canonical height", "number", n)
		c.latest = NewGenesisState()
		return c.latest
	}
	c.latest = st
	return c.latest
}

// GetStateAt loads the persisted state snapshot for height n.
func (c *Canonicaliser) GetStateAt(n uint64) (*State, bool) {
	return c.store.GetState(n)
}

// GetBlockByHash looks up a block by hash hex, checking the fork manager's
// in-memory candidates before persistent storage.
func (c *Canonicaliser) GetBlockByHash(hashHex string) (*Block, bool) {
	return c.fm.GetBlock(hashHex)
}

// GetBlockByNumber loads the canonical block at height n, or the latest
// canonical block if n < 0.
func (c *Canonicaliser) GetBlockByNumber(n int64) (*Block, bool) {
	if n < 0 {
		latest, ok := c.store.LatestCanonicalNumber()
		if !ok {
			return nil, false
		}
		n = int64(latest)
	}
	return c.store.GetBlockByNumber(uint64(n))
}

// Iterate calls fn for every canonical block from height 0 to the current
// latest, in ascending order, stopping early if fn returns false.
func (c *Canonicaliser) Iterate(fn func(b *Block) bool) {
	latest, ok := c.store.LatestCanonicalNumber()
	if !ok {
		return
	}
	for n := uint64(0); n <= latest; n++ {
		b, ok := c.store.GetBlockByNumber(n)
		if !ok {
			return
		}
		if !fn(b) {
			return
		}
	}
}

// UpdateCanonical runs the idempotent heaviest-tip selection and replay
// procedure described in spec.md section 4.8. It is safe to call repeatedly
// and from multiple goroutines; the canonicaliser's own mutex serialises
// runs (the spec's "single-threaded" requirement reified as a lock rather
// than assumed from a single-threaded event loop). The walk back to the
// common ancestor has no depth bound, so a reorg of any depth is replayed.
func (c *Canonicaliser) UpdateCanonical() {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.fm.HighestBlock()
	if tip == nil {
		return
	}

	curNum, ok := c.store.LatestCanonicalNumber()
	if !ok {
		return
	}
	cur, ok := c.store.GetBlockByNumber(curNum)
	if !ok {
		log.Cat(log.CatErr, "missing canonical block for recorded latest height", "number", curNum)
		return
	}

	if tip.HashHex() == cur.HashHex() {
		return
	}

	var todo []*Block
	walkTip := tip
	for walkTip.Number > cur.Number {
		todo = append(todo, walkTip)
		parent, ok := c.fm.GetBlock(hexString(walkTip.ParentHash))
		if !ok {
			log.Cat(log.CatErr, "missing ancestor while walking to common height", "hash", hexString(walkTip.ParentHash))
			return
		}
		walkTip = parent
	}

	walkCur := cur
	for walkTip.HashHex() != walkCur.HashHex() {
		todo = append(todo, walkTip)
		parentTip, ok := c.fm.GetBlock(hexString(walkTip.ParentHash))
		if !ok {
			log.Cat(log.CatErr, "missing ancestor while walking to common ancestor", "hash", hexString(walkTip.ParentHash))
			return
		}
		parentCur, ok := c.fm.GetBlock(hexString(walkCur.ParentHash))
		if !ok {
			log.Cat(log.CatErr, "missing canonical ancestor while walking to common ancestor", "hash", hexString(walkCur.ParentHash))
			return
		}
		walkTip, walkCur = parentTip, parentCur
	}
	commonAncestor := walkTip

	state, ok := c.store.GetState(commonAncestor.Number)
	if !ok {
		log.Cat(log.CatErr, "missing state snapshot at common ancestor", "number", commonAncestor.Number)
		return
	}

	for i := len(todo) - 1; i >= 0; i-- {
		b := todo[i]
		if err := ApplyBlock(b, state); err != nil {
			log.Cat(log.CatErr, "rejecting candidate branch during replay", "hash", b.HashHex(), "err", err)
			return
		}
		if err := c.store.PutState(state); err != nil {
			log.Cat(log.CatErr, "failed to persist replayed state", "err", err)
			return
		}
		if err := c.store.SetCanonical(b.Number, b.HashHex()); err != nil {
			log.Cat(log.CatErr, "failed to record canonical height", "err", err)
			return
		}
		log.Cat(log.CatBlc, "advanced canonical chain", "number", b.Number, "hash", b.HashHex())
	}

	c.latest = state
}
