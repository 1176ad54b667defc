package chain

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bcws-network/node/storage"
)

// blockCacheSize bounds the read-through block cache, the same role
// hashicorp/golang-lru plays as fconsensus.go's recentSnapshots: avoid
// re-reading and re-parsing the same frequently-touched blocks (chain tip,
// common ancestors during reorg walks) from disk on every lookup.
const blockCacheSize = 256

// Store wires the four persisted namespaces spec.md section 6 requires onto
// a storage.Root: block, blocknum, blockstate, and (for the miner) privkey.
type Store struct {
	Block      *storage.Namespace
	BlockNum   *storage.Namespace
	BlockState *storage.Namespace
	PrivKey    *storage.Namespace

	blockCache *lru.Cache
}

// OpenStore opens (creating as needed) the four chain namespaces under root.
func OpenStore(root *storage.Root) (*Store, error) {
	block, err := root.Namespace("block")
	if err != nil {
		return nil, err
	}
	blocknum, err := root.Namespace("blocknum")
	if err != nil {
		return nil, err
	}
	blockstate, err := root.Namespace("blockstate")
	if err != nil {
		return nil, err
	}
	privkey, err := root.Namespace("privkey")
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(blockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	return &Store{Block: block, BlockNum: blocknum, BlockState: blockstate, PrivKey: privkey, blockCache: cache}, nil
}

// PutBlock persists a confirmed block under block/<hash_hex>.
func (s *Store) PutBlock(b *Block) error {
	if err := s.Block.Put(b.HashHex(), b.Serialize()); err != nil {
		return err
	}
	s.blockCache.Add(b.HashHex(), b)
	return nil
}

// GetBlockByHash loads a persisted block by its hash hex, checking the
// read-through cache before touching disk.
func (s *Store) GetBlockByHash(hashHex string) (*Block, bool) {
	if cached, ok := s.blockCache.Get(hashHex); ok {
		return cached.(*Block), true
	}
	raw, ok := s.Block.Get(hashHex)
	if !ok {
		return nil, false
	}
	b, err := DeserializeBlock(raw)
	if err != nil {
		return nil, false
	}
	s.blockCache.Add(hashHex, b)
	return b, true
}

// SetCanonical records blocknum/<N> = hash and sets blocknum/latest to N
// unconditionally, per spec.md section 3's invariant.
func (s *Store) SetCanonical(number uint64, hashHex string) error {
	if err := s.BlockNum.Put(strconv.FormatUint(number, 10), hashHex); err != nil {
		return err
	}
	return s.BlockNum.Put("latest", strconv.FormatUint(number, 10))
}

// LatestCanonicalNumber returns the current canonical height, and false if
// none has been recorded yet.
func (s *Store) LatestCanonicalNumber() (uint64, bool) {
	raw, ok := s.BlockNum.Get("latest")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetBlockByNumber loads the canonical block at height n.
func (s *Store) GetBlockByNumber(n uint64) (*Block, bool) {
	hashHex, ok := s.BlockNum.Get(strconv.FormatUint(n, 10))
	if !ok {
		return nil, false
	}
	return s.GetBlockByHash(hashHex)
}

// PutState persists the state snapshot at height N under blockstate/<N>.
func (s *Store) PutState(st *State) error {
	data, err := st.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.BlockState.Put(strconv.FormatUint(st.BlockNumber, 10), string(data))
}

// GetState loads the state snapshot persisted at height N.
func (s *Store) GetState(n uint64) (*State, bool) {
	raw, ok := s.BlockState.Get(strconv.FormatUint(n, 10))
	if !ok {
		return nil, false
	}
	var st State
	if err := st.UnmarshalJSON([]byte(raw)); err != nil {
		return nil, false
	}
	return &st, true
}
