package gossip

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/messaging"
	"github.com/bcws-network/node/peering"
)

func newTestGossip(t *testing.T, id string) (*Gossip, *peering.Network, *messaging.Messaging) {
	t.Helper()
	msg, err := messaging.New(0)
	require.NoError(t, err)
	msg.Start()
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	net.Start()
	g := New(net, net.Register)
	g.Start()
	t.Cleanup(func() {
		g.Stop()
		net.Stop()
		msg.Close()
	})
	return g, net, msg
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

func TestBroadcastDeliversToHandlerOnce(t *testing.T) {
	a, aNet, aMsg := newTestGossip(t, "p2p:1111111111111111")
	b, bNet, bMsg := newTestGossip(t, "p2p:2222222222222222")
	_ = aNet
	_ = bNet

	aNet.AnnounceTo(nodecommon.Endpoint{IP: "127.0.0.1", Port: uint16(bMsg.LocalPort())})
	waitFor(t, 2*time.Second, func() bool { return aNet.Len() == 1 && bNet.Len() == 1 })

	var calls int32
	b.Register("demo:greeting", func(msg Message) {
		atomic.AddInt32(&calls, 1)
	})

	m, err := NewMessage("demo:greeting", "hi")
	require.NoError(t, err)
	a.Broadcast(m)

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&calls) >= 1 })
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	_ = aMsg
}

func TestDedupDropsAlreadyKnownMessage(t *testing.T) {
	g, _, _ := newTestGossip(t, "p2p:3333333333333333")

	m, err := NewMessage("demo:x", "payload")
	require.NoError(t, err)

	var calls int32
	g.Register("demo:x", func(msg Message) {
		atomic.AddInt32(&calls, 1)
	})

	g.markKnown(m.ID)
	payload, err := json.Marshal(m.Raw)
	require.NoError(t, err)
	g.handleSend(payload, nodecommon.Endpoint{})

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestMessageIdentifierIsContentHash(t *testing.T) {
	a, err := NewMessage("demo:x", "same")
	require.NoError(t, err)
	b, err := NewMessage("demo:x", "same")
	require.NoError(t, err)
	c, err := NewMessage("demo:x", "different")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}
