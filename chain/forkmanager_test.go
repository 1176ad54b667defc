package chain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecommon "github.com/bcws-network/node/common"
	nodecrypto "github.com/bcws-network/node/crypto"
	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/messaging"
	"github.com/bcws-network/node/peering"
	"github.com/bcws-network/node/search"
	"github.com/bcws-network/node/storage"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func newTestChainStack(t *testing.T, id string) (*Store, *ForkManager, *Canonicaliser) {
	t.Helper()
	msg, err := messaging.New(0)
	require.NoError(t, err)
	msg.Start()
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	net.Start()
	g := gossip.New(net, net.Register)
	g.Start()
	srch := search.New(g)
	srch.Start()

	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	store, err := OpenStore(root)
	require.NoError(t, err)

	fm := NewForkManager(store, srch, g)
	canon := NewCanonicaliser(store, fm)

	t.Cleanup(func() {
		srch.Stop()
		g.Stop()
		net.Stop()
		msg.Close()
	})
	return store, fm, canon
}

func mineChildBlock(t *testing.T, parent *Block, coinbase nodecrypto.PublicKey) *Block {
	t.Helper()
	b := &Block{Number: parent.Number + 1, ParentHash: parent.BlockHash, Coinbase: coinbase}
	mineBlock(t, b)
	return b
}

// newTestChainStackWithNet is newTestChainStack plus access to the
// underlying peering network and messaging endpoint, needed by tests that
// peer two nodes together to exercise distributed-search ancestor backfill.
func newTestChainStackWithNet(t *testing.T, id string) (*messaging.Messaging, *peering.Network, *ForkManager, *Canonicaliser) {
	t.Helper()
	msg, err := messaging.New(0)
	require.NoError(t, err)
	msg.Start()
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	net.Start()
	g := gossip.New(net, net.Register)
	g.Start()
	srch := search.New(g)
	srch.Start()

	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	store, err := OpenStore(root)
	require.NoError(t, err)

	fm := NewForkManager(store, srch, g)
	canon := NewCanonicaliser(store, fm)

	t.Cleanup(func() {
		srch.Stop()
		g.Stop()
		net.Stop()
		msg.Close()
	})
	return msg, net, fm, canon
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestGenesisIsConfirmedAndCanonicalAtOpen(t *testing.T) {
	store, fm, canon := newTestChainStack(t, "p2p:1111111111111111")

	n, ok := store.LatestCanonicalNumber()
	require.True(t, ok)
	assert.Equal(t, uint64(0), n)

	g := Genesis()
	assert.Equal(t, g.HashHex(), fm.HighestBlock().HashHex())

	state := canon.GetLatestState()
	assert.Equal(t, uint64(0), state.BlockNumber)
	assert.Empty(t, state.Balances)
}

func TestAddAndConfirmLinearChain(t *testing.T) {
	_, fm, canon := newTestChainStack(t, "p2p:2222222222222222")
	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	b1 := mineChildBlock(t, Genesis(), coinbase.Public())
	fm.addAndConfirm(b1)
	canon.UpdateCanonical()

	b2 := mineChildBlock(t, b1, coinbase.Public())
	fm.addAndConfirm(b2)
	canon.UpdateCanonical()

	assert.Equal(t, b2.HashHex(), fm.HighestBlock().HashHex())
	state := canon.GetLatestState()
	assert.Equal(t, uint64(2), state.BlockNumber)
	assert.Equal(t, uint64(2*BlockReward), state.Balance(coinbase.Public()))
}

func TestForkManagerServesKnownBlockByHash(t *testing.T) {
	_, fm, _ := newTestChainStack(t, "p2p:3333333333333333")
	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	b1 := mineChildBlock(t, Genesis(), coinbase.Public())
	fm.addAndConfirm(b1)

	result, err := fm.serveBlockSearch(mustJSON(t, b1.HashHex()))
	require.NoError(t, err)
	require.NotNil(t, result)

	var wire string
	require.NoError(t, json.Unmarshal(result, &wire))
	assert.Equal(t, b1.Serialize(), wire)
}

func TestForkManagerServeBlockSearchReturnsNilForUnknown(t *testing.T) {
	_, fm, _ := newTestChainStack(t, "p2p:4444444444444444")
	result, err := fm.serveBlockSearch(mustJSON(t, "deadbeef"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCanonicaliserSwitchesToHeavierFork(t *testing.T) {
	_, fm, canon := newTestChainStack(t, "p2p:5555555555555555")
	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	shortBranch := mineChildBlock(t, Genesis(), coinbase.Public())
	fm.addAndConfirm(shortBranch)
	canon.UpdateCanonical()
	assert.Equal(t, uint64(1), canon.GetLatestState().BlockNumber)

	// A different coinbase makes the long branch's first block differ from
	// shortBranch, so the two branches really fork at genesis.
	otherCoinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)
	longB1 := mineChildBlock(t, Genesis(), otherCoinbase.Public())
	require.NotEqual(t, shortBranch.HashHex(), longB1.HashHex())
	fm.addAndConfirm(longB1)
	longB2 := mineChildBlock(t, longB1, otherCoinbase.Public())
	fm.addAndConfirm(longB2)
	canon.UpdateCanonical()

	state := canon.GetLatestState()
	assert.Equal(t, uint64(2), state.BlockNumber)
	assert.Equal(t, longB2.BlockHash, state.BlockHash)
}

// TestAddAndConfirmBackfillsMultiHopGap covers spec.md section 8 scenario
// 4: a node that only holds genesis receives a block several hops ahead
// of its known tip and must backfill every missing ancestor via
// distributed search before the originally-received block itself ends up
// confirmed (not just its ancestors).
func TestAddAndConfirmBackfillsMultiHopGap(t *testing.T) {
	_, aNet, aFM, aCanon := newTestChainStackWithNet(t, "p2p:8888888888888888")
	bMsg, bNet, bFM, _ := newTestChainStackWithNet(t, "p2p:9999999999999999")

	aNet.AnnounceTo(nodecommon.Endpoint{IP: "127.0.0.1", Port: uint16(bMsg.LocalPort())})
	waitFor(t, 2*time.Second, func() bool { return aNet.Len() == 1 && bNet.Len() == 1 })

	coinbase, err := nodecrypto.GeneratePrivateKey()
	require.NoError(t, err)

	// B holds the full chain genesis -> b6, all confirmed locally.
	b1 := mineChildBlock(t, Genesis(), coinbase.Public())
	bFM.addAndConfirm(b1)
	b2 := mineChildBlock(t, b1, coinbase.Public())
	bFM.addAndConfirm(b2)
	b3 := mineChildBlock(t, b2, coinbase.Public())
	bFM.addAndConfirm(b3)
	b4 := mineChildBlock(t, b3, coinbase.Public())
	bFM.addAndConfirm(b4)
	b5 := mineChildBlock(t, b4, coinbase.Public())
	bFM.addAndConfirm(b5)
	b6 := mineChildBlock(t, b5, coinbase.Public())
	bFM.addAndConfirm(b6)
	require.Equal(t, b6.HashHex(), bFM.HighestBlock().HashHex())

	// A only ever learns of b6, as if it arrived fresh over gossip while A
	// still only held genesis; it must backfill b1..b5 from B.
	aFM.addAndConfirm(b6)

	waitFor(t, 15*time.Second, func() bool {
		return aFM.HighestBlock().HashHex() == b6.HashHex()
	})

	aCanon.UpdateCanonical()
	state := aCanon.GetLatestState()
	assert.Equal(t, uint64(6), state.BlockNumber)
	assert.Equal(t, uint64(6*BlockReward), state.Balance(coinbase.Public()))
}
