package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecrypto "github.com/bcws-network/node/crypto"
	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/messaging"
	"github.com/bcws-network/node/peering"
)

func newTestMempoolWithID(t *testing.T, id string) *Mempool {
	t.Helper()
	msg, err := messaging.New(0)
	require.NoError(t, err)
	msg.Start()
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	net.Start()
	g := gossip.New(net, net.Register)
	g.Start()
	m := NewMempool(g)
	m.Start()
	t.Cleanup(func() {
		m.Stop()
		g.Stop()
		net.Stop()
		msg.Close()
	})
	return m
}

func TestBuildBlockIncludesValidTransactionsInFIFOOrder(t *testing.T) {
	mempool := newTestMempoolWithID(t, "p2p:1111111111111111")
	sender, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	state := NewGenesisState()
	state.Balances[sender.Public()] = 1000

	receiver, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	tx0 := &Transaction{Receiver: receiver.Public(), Nonce: 0, Amount: 10}
	tx0.Sign(sender)
	tx1 := &Transaction{Receiver: receiver.Public(), Nonce: 1, Amount: 20}
	tx1.Sign(sender)

	require.NoError(t, mempool.AnnounceTransaction(tx0))
	require.NoError(t, mempool.AnnounceTransaction(tx1))

	b := buildBlock(state, coinbase.Public(), mempool)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, tx0.HashHex(), b.Transactions[0].HashHex())
	assert.Equal(t, tx1.HashHex(), b.Transactions[1].HashHex())
	assert.Equal(t, uint64(1), b.Number)
	assert.Equal(t, state.BlockHash, b.ParentHash)
}

func TestBuildBlockEvictsInvalidTransactionFromMempool(t *testing.T) {
	mempool := newTestMempoolWithID(t, "p2p:2222222222222222")
	sender, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	receiver, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	state := NewGenesisState() // sender has 0 balance

	tx := &Transaction{Receiver: receiver.Public(), Nonce: 0, Amount: 100}
	tx.Sign(sender)
	require.NoError(t, mempool.AnnounceTransaction(tx))

	b := buildBlock(state, coinbase.Public(), mempool)
	assert.Empty(t, b.Transactions)
	assert.Empty(t, mempool.GetTransactions())
}

func TestBuildBlockCapsAtMaxTransactionsPerBlock(t *testing.T) {
	mempool := newTestMempoolWithID(t, "p2p:3333333333333333")
	sender, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	receiver, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	state := NewGenesisState()
	state.Balances[sender.Public()] = 1_000_000

	for i := 0; i < MaxTransactionsPerBlock+5; i++ {
		tx := &Transaction{Receiver: receiver.Public(), Nonce: uint64(i), Amount: 1}
		tx.Sign(sender)
		require.NoError(t, mempool.AnnounceTransaction(tx))
	}

	b := buildBlock(state, coinbase.Public(), mempool)
	assert.Len(t, b.Transactions, MaxTransactionsPerBlock)
}
