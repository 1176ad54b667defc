// Package transport implements L0: a raw UDP datagram socket exposing
// bounded send/receive primitives, per spec.md section 4.1. Grounded on
// original_source/bcws/network.py's UDPNode/UDPHandler; loss, reordering
// and duplication are permitted and tolerated by every higher layer.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	nodecommon "github.com/bcws-network/node/common"
	"github.com/bcws-network/node/log"
)

// FrameBudget is the maximum size in bytes of a single receive frame.
const FrameBudget = 1024

// ReceiveFunc is invoked once per inbound datagram with its payload and the
// sender's endpoint.
type ReceiveFunc func(data []byte, from nodecommon.Endpoint)

// Node binds a single UDP port and multiplexes send/receive over it.
type Node struct {
	conn    *net.UDPConn
	onRecv  ReceiveFunc
	closeCh chan struct{}
}

// Listen binds 0.0.0.0:port with address reuse and returns an unstarted
// Node. Call Start to begin the receive loop.
func Listen(port int, onRecv ReceiveFunc) (*Node, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", "0.0.0.0:"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)
	return &Node{conn: conn, onRecv: onRecv, closeCh: make(chan struct{})}, nil
}

// Start launches the blocking receive loop in the background.
func (n *Node) Start() {
	go n.recvLoop()
}

// Send writes data to the given endpoint. Loss/reordering at the UDP layer
// is expected and absorbed by higher layers; Send never blocks.
func (n *Node) Send(to nodecommon.Endpoint, data []byte) error {
	addr, err := to.UDPAddr()
	if err != nil {
		return err
	}
	if _, err := n.conn.WriteToUDP(data, addr); err != nil {
		log.Cat(log.CatUDP, "send failed", "to", to, "err", err)
		return err
	}
	log.Cat(log.CatUDP, "send", "to", to, "bytes", len(data))
	return nil
}

// LocalPort returns the UDP port actually bound, useful when Listen was
// called with port 0 to let the OS choose one (e.g. in tests).
func (n *Node) LocalPort() int {
	return n.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts down the underlying socket.
func (n *Node) Close() error {
	close(n.closeCh)
	return n.conn.Close()
}

func (n *Node) recvLoop() {
	log.Cat(log.CatUDP, "started listening")
	buf := make([]byte, FrameBudget)
	for {
		nRead, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.closeCh:
				return
			default:
			}
			log.Cat(log.CatUDP, "receive failed", "err", err)
			continue
		}
		data := make([]byte, nRead)
		copy(data, buf[:nRead])
		from := nodecommon.EndpointFromUDPAddr(addr)
		log.Cat(log.CatUDP, "recv", "from", from, "bytes", nRead)
		n.onRecv(data, from)
	}
}
