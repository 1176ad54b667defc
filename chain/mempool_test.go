package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecrypto "github.com/bcws-network/node/crypto"
	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/messaging"
	"github.com/bcws-network/node/peering"
)

func newTestMempool(t *testing.T, id string) (*Mempool, *gossip.Gossip) {
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
	return m, g
}

func TestAnnounceTransactionInsertsLocally(t *testing.T) {
	m, _ := newTestMempool(t, "p2p:1111111111111111")
	tx := signedTransaction(t, 0, 100)

	require.NoError(t, m.AnnounceTransaction(tx))
	txs := m.GetTransactions()
	require.Len(t, txs, 1)
	assert.Equal(t, tx.HashHex(), txs[0].HashHex())
}

func TestGetTransactionsIsFIFOOrdered(t *testing.T) {
	m, _ := newTestMempool(t, "p2p:2222222222222222")
	a := signedTransaction(t, 0, 10)
	b := signedTransaction(t, 0, 20)
	c := signedTransaction(t, 0, 30)

	require.NoError(t, m.AnnounceTransaction(a))
	require.NoError(t, m.AnnounceTransaction(b))
	require.NoError(t, m.AnnounceTransaction(c))

	txs := m.GetTransactions()
	require.Len(t, txs, 3)
	assert.Equal(t, a.HashHex(), txs[0].HashHex())
	assert.Equal(t, b.HashHex(), txs[1].HashHex())
	assert.Equal(t, c.HashHex(), txs[2].HashHex())
}

func TestEvictTransactionRemovesIt(t *testing.T) {
	m, _ := newTestMempool(t, "p2p:3333333333333333")
	tx := signedTransaction(t, 0, 100)
	require.NoError(t, m.AnnounceTransaction(tx))

	m.EvictTransaction(tx)
	assert.Empty(t, m.GetTransactions())
}

func TestMempoolRejectsInvalidSignatureOnGossipIngress(t *testing.T) {
	m, _ := newTestMempool(t, "p2p:4444444444444444")

	sender, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	receiver, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	tx := &Transaction{Sender: sender.Public(), Receiver: receiver.Public(), Nonce: 0, Amount: 5, Signature: []byte("not-a-real-signature")}

	msg, err := gossip.NewMessage("bc:new_tx", tx.Serialize())
	require.NoError(t, err)
	m.handleNewTx(msg)

	assert.Empty(t, m.GetTransactions())
}

func TestMempoolSweepEvictsStaleEntries(t *testing.T) {
	m, _ := newTestMempool(t, "p2p:5555555555555555")
	tx := signedTransaction(t, 0, 100)
	m.insert(tx)

	m.mu.Lock()
	m.lastSeen[tx.HashHex()] = time.Now().Add(-2 * MempoolTTL)
	m.mu.Unlock()

	m.sweepExpired()
	assert.Empty(t, m.GetTransactions())
}
