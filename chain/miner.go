package chain

import (
	"sync"

	nodecrypto "github.com/bcws-network/node/crypto"
	"github.com/bcws-network/node/log"
)

// Miner runs the continuous block-production loop of spec.md section 4.10:
// observe tip, rebuild canonical state, assemble a candidate from the
// mempool, grind proof-of-work, and publish.
type Miner struct {
	coinbase nodecrypto.PublicKey
	canon    *Canonicaliser
	fm       *ForkManager
	mempool  *Mempool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMiner wires a miner to mine under the identity coinbase.
func NewMiner(coinbase nodecrypto.PublicKey, canon *Canonicaliser, fm *ForkManager, mempool *Mempool) *Miner {
	return &Miner{coinbase: coinbase, canon: canon, fm: fm, mempool: mempool}
}

// Start begins the background mining loop. Calling Start twice is a no-op.
func (m *Miner) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop()
}

// Stop terminates the mining loop and waits for the current grind to
// notice and exit.
func (m *Miner) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

func (m *Miner) loop() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.mineOneCycle()
	}
}

// mineOneCycle runs one observe/build/grind/publish iteration, abandoning
// the candidate early if the fork manager's tip moves.
func (m *Miner) mineOneCycle() {
	tip := m.fm.HighestBlock()
	m.canon.UpdateCanonical()

	state := m.canon.GetLatestState()
	candidate := buildBlock(state, m.coinbase, m.mempool)

	log.Cat(log.CatBlc, "mining candidate block", "number", candidate.Number, "parent", hexString(candidate.ParentHash))

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if newTip := m.fm.HighestBlock(); newTip.HashHex() != tip.HashHex() {
			log.Cat(log.CatBlc, "abandoning candidate, tip advanced", "old_tip", tip.HashHex(), "new_tip", newTip.HashHex())
			return
		}

		candidate.Rehash()
		if candidate.MeetsDifficulty() {
			log.Cat(log.CatBlc, "mined block", "number", candidate.Number, "hash", candidate.HashHex(), "nonce", candidate.PowNonce)
			if err := m.fm.AnnounceBlock(candidate); err != nil {
				log.Cat(log.CatErr, "failed to announce mined block", "err", err)
			}
			return
		}
		candidate.PowNonce++
	}
}

// buildBlock assembles a candidate block over the mempool's FIFO order,
// speculatively applying each transaction to scratch state: accepted
// transactions join the block, rejected ones are evicted from the
// mempool, per spec.md section 4.9. Stops at MaxTransactionsPerBlock.
func buildBlock(s *State, coinbase nodecrypto.PublicKey, mempool *Mempool) *Block {
	scratch := s.Clone()
	b := &Block{
		Number:     s.BlockNumber + 1,
		ParentHash: s.BlockHash,
		Coinbase:   coinbase,
	}

	for _, tx := range mempool.GetTransactions() {
		if len(b.Transactions) >= MaxTransactionsPerBlock {
			break
		}
		if err := ApplyTransaction(tx, scratch); err != nil {
			log.Cat(log.CatBlc, "evicting invalid transaction from mempool", "hash", tx.HashHex(), "err", err)
			mempool.EvictTransaction(tx)
			continue
		}
		b.Transactions = append(b.Transactions, tx)
	}

	b.Rehash()
	return b
}
