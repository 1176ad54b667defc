package chain

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/search"
)

// ForkManager admits candidate blocks arriving over gossip, backfills
// missing ancestors via distributed search, and confirms+persists a block
// once its entire ancestor chain down to genesis (or an already-confirmed
// ancestor) is known, per spec.md section 4.7.
type ForkManager struct {
	store *Store
	srch  *search.Search
	gsp   *gossip.Gossip

	mu           sync.Mutex
	knownBlocks  map[string]*Block
	confirmed    map[string]bool
	highestBlock *Block // candidate tip: highest-number known-confirmed block observed

	onConfirmed func(b *Block) // canonicaliser hook, set via OnConfirmed
}

// NewForkManager wires a fork manager onto the given persistent store,
// search, and gossip instances. Genesis is seeded as confirmed at height 0.
func NewForkManager(store *Store, srch *search.Search, gsp *gossip.Gossip) *ForkManager {
	genesis := Genesis()
	fm := &ForkManager{
		store:        store,
		srch:         srch,
		gsp:          gsp,
		knownBlocks:  map[string]*Block{genesis.HashHex(): genesis},
		confirmed:    map[string]bool{genesis.HashHex(): true},
		highestBlock: genesis,
	}
	gsp.Register("bc:new_block", fm.handleNewBlock)
	srch.Register("block", fm.serveBlockSearch)
	return fm
}

// OnConfirmed installs the callback invoked whenever a new block is
// confirmed and persisted, in descending-to-ascending parent order.
func (fm *ForkManager) OnConfirmed(cb func(b *Block)) { fm.onConfirmed = cb }

// HighestBlock returns the highest-numbered confirmed block observed so
// far, the fork manager's candidate tip.
func (fm *ForkManager) HighestBlock() *Block {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.highestBlock
}

// AnnounceBlock broadcasts a newly mined block and admits it locally, per
// spec.md section 4.10's publish step.
func (fm *ForkManager) AnnounceBlock(b *Block) error {
	msg, err := gossip.NewMessage("bc:new_block", b.Serialize())
	if err != nil {
		return err
	}
	fm.addAndConfirm(b)
	fm.gsp.Broadcast(msg)
	return nil
}

func (fm *ForkManager) handleNewBlock(msg gossip.Message) {
	var raw string
	if err := msg.Payload(&raw); err != nil {
		log.Cat(log.CatErr, "bad bc:new_block payload", "err", err)
		return
	}
	b, err := DeserializeBlock(raw)
	if err != nil {
		log.Cat(log.CatErr, "bad block wire form", "err", err)
		return
	}
	if !b.MeetsDifficulty() {
		log.Cat(log.CatBlc, "rejecting block below required difficulty", "hash", b.HashHex())
		return
	}
	fm.addAndConfirm(b)
}

// addAndConfirm inserts b into knownBlocks and attempts to walk its parent
// chain. If the chain bottoms out at genesis or an already-confirmed
// ancestor, the whole run is confirmed-and-persisted. Otherwise a search is
// issued for the missing parent, and this block's confirmation is retried
// once that search resolves.
func (fm *ForkManager) addAndConfirm(b *Block) {
	fm.mu.Lock()
	hashHex := b.HashHex()
	if _, known := fm.knownBlocks[hashHex]; known {
		fm.mu.Unlock()
		return
	}
	fm.knownBlocks[hashHex] = b
	fm.mu.Unlock()

	fm.tryConfirm(b, b)
}

// tryConfirm attempts to confirm b, walking its known ancestor chain
// toward a confirmed block or genesis. original is the top-level block
// this confirmation attempt is ultimately for (equal to b on the initial
// call from addAndConfirm). A missing ancestor is always searched for
// against original, not against the recursion-local b: search.SearchFor
// never blocks (its result arrives later from a separate gossip
// goroutine), so once a multi-hop gap resolves, re-running tryConfirm
// against an intermediate ancestor instead of original would confirm
// that ancestor and then stop, leaving original dropped. Threading
// original through keeps retrying from the block that actually needs to
// end up confirmed, per spec.md section 4.7 step 4.
func (fm *ForkManager) tryConfirm(b, original *Block) {
	fm.mu.Lock()
	if fm.confirmed[b.HashHex()] {
		fm.mu.Unlock()
		return
	}
	if b.Number == 0 || fm.confirmed[hexString(b.ParentHash)] {
		fm.mu.Unlock()
		fm.confirmAndPersist(b)
		if b != original {
			fm.tryConfirm(original, original)
		}
		return
	}
	parentHex := hexString(b.ParentHash)
	parent, haveParent := fm.knownBlocks[parentHex]
	fm.mu.Unlock()

	if haveParent {
		fm.tryConfirm(parent, original)
		fm.mu.Lock()
		parentNowConfirmed := fm.confirmed[parentHex]
		fm.mu.Unlock()
		if parentNowConfirmed {
			fm.confirmAndPersist(b)
			if b != original {
				fm.tryConfirm(original, original)
			}
		}
		return
	}

	fm.requestParent(parentHex, original)
}

// requestParent issues a distributed search for the missing ancestor.
// Once (and if) it resolves, the original top-level block is re-run
// through tryConfirm rather than just the ancestor that triggered this
// particular search, so a gap spanning more than one missing block
// (spec.md section 8 scenario 4) re-walks from the block that arrived
// over gossip, not from wherever the walk happened to stall.
func (fm *ForkManager) requestParent(parentHex string, original *Block) {
	log.Cat(log.CatBlc, "searching for missing ancestor", "parent", parentHex, "original_block", original.HashHex())
	query, _ := json.Marshal(parentHex)
	err := fm.srch.SearchFor("block", json.RawMessage(query), func(result json.RawMessage) bool {
		if result == nil {
			log.Cat(log.CatBlc, "ancestor search timed out", "parent", parentHex)
			return true
		}
		var raw string
		if err := json.Unmarshal(result, &raw); err != nil {
			log.Cat(log.CatErr, "bad block search result", "err", err)
			return true
		}
		parent, err := DeserializeBlock(raw)
		if err != nil {
			log.Cat(log.CatErr, "bad block search payload", "err", err)
			return true
		}
		fm.addAndConfirm(parent)
		fm.tryConfirm(original, original)
		return true
	}, search.DefaultTimeout)
	if err != nil {
		log.Cat(log.CatErr, "failed to issue ancestor search", "err", err)
	}
}

// confirmAndPersist walks from b toward its parent, persisting every
// newly-confirmed block, and stops at the first already-confirmed
// ancestor or at genesis. onConfirmed is invoked in root-to-tip order so
// the canonicaliser replays state forward.
func (fm *ForkManager) confirmAndPersist(b *Block) {
	var chain []*Block
	cur := b
	for {
		fm.mu.Lock()
		if fm.confirmed[cur.HashHex()] {
			fm.mu.Unlock()
			break
		}
		fm.confirmed[cur.HashHex()] = true
		fm.mu.Unlock()

		chain = append(chain, cur)
		if cur.Number == 0 {
			break
		}
		fm.mu.Lock()
		parent, ok := fm.knownBlocks[hexString(cur.ParentHash)]
		fm.mu.Unlock()
		if !ok {
			break
		}
		cur = parent
	}

	for i := len(chain) - 1; i >= 0; i-- {
		blk := chain[i]
		if err := fm.store.PutBlock(blk); err != nil {
			log.Cat(log.CatErr, "failed to persist confirmed block", "hash", blk.HashHex(), "err", err)
			continue
		}
		log.Cat(log.CatBlc, "confirmed block", "hash", blk.HashHex(), "number", blk.Number)

		fm.mu.Lock()
		if fm.highestBlock == nil || blk.Number > fm.highestBlock.Number {
			fm.highestBlock = blk
		}
		fm.mu.Unlock()

		if fm.onConfirmed != nil {
			fm.onConfirmed(blk)
		}
	}
}

// serveBlockSearch answers a "block" distributed-search query: the query
// payload is a JSON string hash hex, the response (if any) the block's
// serialized wire form.
func (fm *ForkManager) serveBlockSearch(query json.RawMessage) (json.RawMessage, error) {
	var hashHex string
	if err := json.Unmarshal(query, &hashHex); err != nil {
		return nil, err
	}

	fm.mu.Lock()
	b, ok := fm.knownBlocks[hashHex]
	fm.mu.Unlock()
	if !ok {
		if persisted, okp := fm.store.GetBlockByHash(hashHex); okp {
			b, ok = persisted, true
		}
	}
	if !ok {
		return nil, nil
	}
	return json.Marshal(b.Serialize())
}

// GetBlock looks up a block by hash hex, checking the in-memory candidate
// set before falling back to persistent storage. Used by the canonicaliser
// to walk parent chains.
func (fm *ForkManager) GetBlock(hashHex string) (*Block, bool) {
	fm.mu.Lock()
	b, ok := fm.knownBlocks[hashHex]
	fm.mu.Unlock()
	if ok {
		return b, true
	}
	return fm.store.GetBlockByHash(hashHex)
}

func hexString(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
