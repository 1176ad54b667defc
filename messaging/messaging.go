// Package messaging implements L1: typed (kind, payload) messages framed as
// a two-element JSON array over the raw transport, with dispatch by kind.
// Grounded on original_source/bcws/messaging.py's UDPMessage/UDPMessaging.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/log"
	"github.com/bcws-network/node/transport"
)

// Handler processes a decoded message's payload alongside the sender's
// endpoint. A kind may have at most one Handler registered.
type Handler func(payload json.RawMessage, from nodecommon.Endpoint)

// Messaging frames and dispatches typed messages over a transport.Node.
type Messaging struct {
	node *transport.Node

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New wraps a UDP transport node with kind-based message dispatch.
func New(port int) (*Messaging, error) {
	m := &Messaging{handlers: make(map[string]Handler)}
	node, err := transport.Listen(port, m.handleReceive)
	if err != nil {
		return nil, err
	}
	m.node = node
	return m, nil
}

// Start begins receiving datagrams in the background.
func (m *Messaging) Start() {
	m.node.Start()
}

// Close shuts down the underlying socket.
func (m *Messaging) Close() error {
	return m.node.Close()
}

// LocalPort returns the UDP port actually bound, useful when New was
// called with port 0 to let the OS choose one (e.g. in tests).
func (m *Messaging) LocalPort() int {
	return m.node.LocalPort()
}

// Register binds handler to kind. Re-registration is a fatal configuration
// error per spec.md section 4.2/7.
func (m *Messaging) Register(kind string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[kind]; exists {
		log.Crit("duplicate handler registration", "kind", kind)
	}
	m.handlers[kind] = handler
}

// Send encodes (kind, payload) as a JSON array and sends it to the peer
// endpoint. Payload is marshalled with encoding/json.
func (m *Messaging) Send(to nodecommon.Endpoint, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", kind, err)
	}
	frame, err := json.Marshal([2]json.RawMessage{mustJSONString(kind), raw})
	if err != nil {
		return fmt.Errorf("encode frame for %q: %w", kind, err)
	}
	log.Cat(log.CatMsg, "send", "to", to, "kind", kind)
	return m.node.Send(to, frame)
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (m *Messaging) handleReceive(data []byte, from nodecommon.Endpoint) {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		log.Cat(log.CatErr, "decode failure, dropping datagram", "from", from, "err", err)
		return
	}
	var kind string
	if err := json.Unmarshal(pair[0], &kind); err != nil {
		log.Cat(log.CatErr, "decode failure: bad kind, dropping datagram", "from", from, "err", err)
		return
	}

	m.mu.RLock()
	handler, ok := m.handlers[kind]
	m.mu.RUnlock()

	log.Cat(log.CatMsg, "recv", "from", from, "kind", kind)
	if !ok {
		log.Cat(log.CatErr, "no handler for kind", "kind", kind)
		return
	}
	handler(pair[1], from)
}
