package search

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/messaging"
	"github.com/bcws-network/node/peering"
)

func newTestSearch(t *testing.T, id string) (*Search, *peering.Network, *messaging.Messaging) {
	t.Helper()
	msg, err := messaging.New(0)
	require.NoError(t, err)
	msg.Start()
	net := peering.New(msg, id, peering.DefaultPeerLimit)
	net.Start()
	g := gossip.New(net, net.Register)
	g.Start()
	s := New(g)
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		g.Stop()
		net.Stop()
		msg.Close()
	})
	return s, net, msg
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

func TestSearchForFindsRemoteAnswer(t *testing.T) {
	a, aNet, _ := newTestSearch(t, "p2p:1111111111111111")
	b, bNet, bMsg := newTestSearch(t, "p2p:2222222222222222")

	b.Register("demo:lookup", func(query json.RawMessage) (json.RawMessage, error) {
		var key string
		if err := json.Unmarshal(query, &key); err != nil {
			return nil, err
		}
		if key != "wanted" {
			return nil, nil
		}
		return json.Marshal("found-it")
	})

	aNet.AnnounceTo(nodecommon.Endpoint{IP: "127.0.0.1", Port: uint16(bMsg.LocalPort())})
	waitFor(t, 2*time.Second, func() bool { return aNet.Len() == 1 && bNet.Len() == 1 })

	resultCh := make(chan string, 1)
	err := a.SearchFor("demo:lookup", "wanted", func(result json.RawMessage) bool {
		if result == nil {
			resultCh <- ""
			return true
		}
		var s string
		_ = json.Unmarshal(result, &s)
		resultCh <- s
		return true
	}, 5*time.Second)
	require.NoError(t, err)

	select {
	case got := <-resultCh:
		assert.Equal(t, "found-it", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for search result")
	}
}

func TestSearchForTimesOutWithNoResponder(t *testing.T) {
	a, _, _ := newTestSearch(t, "p2p:3333333333333333")

	resultCh := make(chan bool, 1)
	err := a.SearchFor("demo:nobody-answers", "x", func(result json.RawMessage) bool {
		resultCh <- result == nil
		return true
	}, 100*time.Millisecond)
	require.NoError(t, err)

	select {
	case wasTimeout := <-resultCh:
		assert.True(t, wasTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestHandlerReturningFalseKeepsListening(t *testing.T) {
	s, _, _ := newTestSearch(t, "p2p:4444444444444444")

	s.mu.Lock()
	s.queries["q:test"] = &pending{expiry: time.Now().Add(time.Second), handler: func(result json.RawMessage) bool {
		return false
	}}
	s.mu.Unlock()

	envelope, _ := json.Marshal([2]interface{}{"q:test", "first"})
	s.handleResponse(gossip.Message{Raw: mustGossipRaw("search:response", envelope)})

	s.mu.Lock()
	_, stillPending := s.queries["q:test"]
	s.mu.Unlock()
	assert.True(t, stillPending)
}

func mustGossipRaw(kind string, payload json.RawMessage) string {
	raw, _ := json.Marshal([2]interface{}{kind, payload})
	return string(raw)
}
