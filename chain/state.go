package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	nodecrypto "github.com/bcws-network/node/crypto"
)

// State is the blockchain's account view at a given height, per spec.md
// section 3: a block number/hash pair plus balances and nonces keyed by
// compressed public key.
type State struct {
	BlockNumber uint64
	BlockHash   [32]byte
	Balances    map[nodecrypto.PublicKey]uint64
	Nonces      map[nodecrypto.PublicKey]uint64
}

// NewGenesisState returns the empty state at height 0, matching Genesis()'s
// hash.
func NewGenesisState() *State {
	g := Genesis()
	return &State{
		BlockNumber: 0,
		BlockHash:   g.BlockHash,
		Balances:    make(map[nodecrypto.PublicKey]uint64),
		Nonces:      make(map[nodecrypto.PublicKey]uint64),
	}
}

// Clone returns a deep copy of the state, used for scratch application
// during block building (spec.md section 4.9) and canonicalisation replay.
func (s *State) Clone() *State {
	c := &State{
		BlockNumber: s.BlockNumber,
		BlockHash:   s.BlockHash,
		Balances:    make(map[nodecrypto.PublicKey]uint64, len(s.Balances)),
		Nonces:      make(map[nodecrypto.PublicKey]uint64, len(s.Nonces)),
	}
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	for k, v := range s.Nonces {
		c.Nonces[k] = v
	}
	return c
}

// Balance returns the account's balance, defaulting to 0.
func (s *State) Balance(addr nodecrypto.PublicKey) uint64 { return s.Balances[addr] }

// NonceOf returns the account's nonce, defaulting to 0.
func (s *State) NonceOf(addr nodecrypto.PublicKey) uint64 { return s.Nonces[addr] }

// stateJSON is the on-disk JSON form of State: (block_number, block_hash,
// balances{hex->int}, nonces{hex->int}), per spec.md section 6.
type stateJSON struct {
	BlockNumber uint64            `json:"block_number"`
	BlockHash   string            `json:"block_hash"`
	Balances    map[string]uint64 `json:"balances"`
	Nonces      map[string]uint64 `json:"nonces"`
}

// MarshalJSON implements the persisted wire form for State.
func (s *State) MarshalJSON() ([]byte, error) {
	sj := stateJSON{
		BlockNumber: s.BlockNumber,
		BlockHash:   hex.EncodeToString(s.BlockHash[:]),
		Balances:    make(map[string]uint64, len(s.Balances)),
		Nonces:      make(map[string]uint64, len(s.Nonces)),
	}
	for k, v := range s.Balances {
		sj.Balances[k.Hex()] = v
	}
	for k, v := range s.Nonces {
		sj.Nonces[k.Hex()] = v
	}
	return json.Marshal(sj)
}

// UnmarshalJSON parses the persisted wire form for State.
func (s *State) UnmarshalJSON(data []byte) error {
	var sj stateJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	s.BlockNumber = sj.BlockNumber
	hashBytes, err := hex.DecodeString(sj.BlockHash)
	if err != nil || len(hashBytes) != 32 {
		return fmt.Errorf("bad state block_hash")
	}
	copy(s.BlockHash[:], hashBytes)
	s.Balances = make(map[nodecrypto.PublicKey]uint64, len(sj.Balances))
	for k, v := range sj.Balances {
		pk, err := nodecrypto.PublicKeyFromHex(k)
		if err != nil {
			return fmt.Errorf("bad balances key: %w", err)
		}
		s.Balances[pk] = v
	}
	s.Nonces = make(map[nodecrypto.PublicKey]uint64, len(sj.Nonces))
	for k, v := range sj.Nonces {
		pk, err := nodecrypto.PublicKeyFromHex(k)
		if err != nil {
			return fmt.Errorf("bad nonces key: %w", err)
		}
		s.Nonces[pk] = v
	}
	return nil
}
