package chain

import "errors"

// Sentinel errors distinguishing state-machine failure modes, so buildBlock
// can tell "evict this transaction" (invalid at the current state) apart
// from any structural issue, per spec.md section 4.9/7.
var (
	ErrBadNumber         = errors.New("block number does not follow state")
	ErrBadParentHash     = errors.New("block parent hash does not match state")
	ErrBadDifficulty     = errors.New("block does not meet required difficulty")
	ErrBadSignature      = errors.New("transaction signature does not verify")
	ErrNonceMismatch     = errors.New("transaction nonce does not match account nonce")
	ErrInsufficientFunds = errors.New("sender balance is insufficient for amount")
)

// ApplyTransaction validates tx against s and, on success, mutates s:
// debits sender, credits receiver, increments sender nonce. Per spec.md
// section 4.9, absent accounts default to balance 0, nonce 0.
func ApplyTransaction(tx *Transaction, s *State) error {
	if !tx.VerifySignature() {
		return ErrBadSignature
	}
	if s.NonceOf(tx.Sender) != tx.Nonce {
		return ErrNonceMismatch
	}
	if s.Balance(tx.Sender) < tx.Amount {
		return ErrInsufficientFunds
	}

	s.Balances[tx.Sender] -= tx.Amount
	s.Balances[tx.Receiver] += tx.Amount
	s.Nonces[tx.Sender]++
	return nil
}

// ApplyBlock validates b against s and, on success, mutates s: applies
// every transaction in order, credits the coinbase reward last, and
// advances block_number/block_hash. Any transaction failure aborts the
// whole block with no partial mutation, per spec.md section 4.9/8.
func ApplyBlock(b *Block, s *State) error {
	if b.Number != s.BlockNumber+1 {
		return ErrBadNumber
	}
	if b.ParentHash != s.BlockHash {
		return ErrBadParentHash
	}
	if !b.MeetsDifficulty() {
		return ErrBadDifficulty
	}

	scratch := s.Clone()
	for _, tx := range b.Transactions {
		if err := ApplyTransaction(tx, scratch); err != nil {
			return err
		}
	}
	scratch.Balances[b.Coinbase] += BlockReward
	scratch.BlockNumber = b.Number
	scratch.BlockHash = b.BlockHash

	*s = *scratch
	return nil
}
