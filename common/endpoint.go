// Package common holds small value types shared across every layer of the
// stack: network endpoints and hex-identifier helpers.
package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is an (ipv4, port) pair. Equality and hashing are structural, and
// its serialised form is the familiar "a.b.c.d:port".
type Endpoint struct {
	IP   string
	Port uint16
}

// ParseEndpoint parses "host:port" into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("bad endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("bad endpoint port %q: %w", s, err)
	}
	return Endpoint{IP: host, Port: uint16(port)}, nil
}

// EndpointFromUDPAddr builds an Endpoint from a resolved UDP address.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP.String(), Port: uint16(addr.Port)}
}

// String renders the canonical "a.b.c.d:port" wire form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

// UDPAddr resolves the endpoint to a *net.UDPAddr for socket use.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.String())
}

// IsZero reports whether the endpoint has never been populated.
func (e Endpoint) IsZero() bool {
	return e.IP == "" && e.Port == 0
}

// NewIdentifier produces a stable "p2p:<16 hex chars>" peer identifier from
// 8 cryptographically random bytes, per spec.md section 3.
func NewIdentifier(prefix string) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate identifier: %w", err)
	}
	return prefix + ":" + hex.EncodeToString(buf[:]), nil
}

// ValidIdentifier reports whether s has the "<prefix>:<16 hex>" shape.
func ValidIdentifier(prefix, s string) bool {
	want := prefix + ":"
	if !strings.HasPrefix(s, want) {
		return false
	}
	hexPart := s[len(want):]
	if len(hexPart) != 16 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
