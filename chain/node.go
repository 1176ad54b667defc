package chain

import (
	"fmt"

	nodecrypto "github.com/bcws-network/node/crypto"
	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/peering"
	"github.com/bcws-network/node/search"
	"github.com/bcws-network/node/storage"
)

// Node wires every L5 piece together onto a running peering/gossip/search
// stack: mempool, fork manager, canonicaliser, and miner, under a node
// identity loaded from (or generated into) the privkey namespace, per
// spec.md section 4.10's coinbase-identity paragraph.
type Node struct {
	PrivateKey *nodecrypto.PrivateKey
	Gossip     *gossip.Gossip
	Search     *search.Search
	Mempool    *Mempool
	ForkMgr    *ForkManager
	Canon      *Canonicaliser
	Miner      *Miner

	store *Store
}

// NewNode assembles the blockchain engine on top of an already-started
// peering network, loading persistent state from stateDir.
func NewNode(stateDir string, net *peering.Network, mine bool) (*Node, error) {
	root, err := storage.NewRoot(stateDir)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}
	store, err := OpenStore(root)
	if err != nil {
		return nil, fmt.Errorf("open chain store: %w", err)
	}

	priv := loadOrGeneratePrivateKey(store)

	gsp := gossip.New(net, net.Register)
	gsp.Start()

	srch := search.New(gsp)
	srch.Start()

	mempool := NewMempool(gsp)
	mempool.Start()

	fm := NewForkManager(store, srch, gsp)
	canon := NewCanonicaliser(store, fm)

	n := &Node{
		PrivateKey: priv,
		Gossip:     gsp,
		Search:     srch,
		Mempool:    mempool,
		ForkMgr:    fm,
		Canon:      canon,
		store:      store,
	}

	if mine {
		n.Miner = NewMiner(priv.Public(), canon, fm, mempool)
		n.Miner.Start()
	}

	log.Cat(log.CatBlc, "blockchain node ready", "address", priv.Public().Hex(), "mining", mine)
	return n, nil
}

// loadOrGeneratePrivateKey implements spec.md section 4.10's coinbase
// identity bootstrap: load privkey/privkey if present, else generate and
// persist a fresh key.
func loadOrGeneratePrivateKey(store *Store) *nodecrypto.PrivateKey {
	if hexKey, ok := store.PrivKey.Get("privkey"); ok {
		key, err := nodecrypto.PrivateKeyFromHex(hexKey)
		if err == nil {
			return key
		}
		log.Cat(log.CatErr, "stored private key is corrupt, generating a new one", "err", err)
	}

	key, err := nodecrypto.GeneratePrivateKey()
	if err != nil {
		log.Crit("failed to generate private key", "err", err)
	}
	if err := store.PrivKey.Put("privkey", key.Hex()); err != nil {
		log.Crit("failed to persist generated private key", "err", err)
	}
	return key
}

// SendTransaction signs and announces a transfer from this node's identity.
func (n *Node) SendTransaction(receiver nodecrypto.PublicKey, amount uint64) (*Transaction, error) {
	state := n.Canon.GetLatestState()
	tx := &Transaction{
		Receiver: receiver,
		Nonce:    state.NonceOf(n.PrivateKey.Public()),
		Amount:   amount,
	}
	tx.Sign(n.PrivateKey)
	if err := n.Mempool.AnnounceTransaction(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Address returns this node's compressed public key, its chain address.
func (n *Node) Address() nodecrypto.PublicKey { return n.PrivateKey.Public() }

// GetBalance returns the latest canonical balance for addr.
func (n *Node) GetBalance(addr nodecrypto.PublicKey) uint64 {
	return n.Canon.GetLatestState().Balance(addr)
}

// GetNonce returns the latest canonical nonce for addr.
func (n *Node) GetNonce(addr nodecrypto.PublicKey) uint64 {
	return n.Canon.GetLatestState().NonceOf(addr)
}

// Stop halts every background loop the node owns: miner (if running),
// mempool cleanup, search cleanup, and gossip cleanup. The underlying
// peering network and transport are owned by the caller.
func (n *Node) Stop() {
	if n.Miner != nil {
		n.Miner.Stop()
	}
	n.Mempool.Stop()
	n.Search.Stop()
	n.Gossip.Stop()
}
