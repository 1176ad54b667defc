package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpointRoundTrip(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ep.IP)
	assert.Equal(t, uint16(9000), ep.Port)
	assert.Equal(t, "127.0.0.1:9000", ep.String())
}

func TestParseEndpointBad(t *testing.T) {
	_, err := ParseEndpoint("not-an-endpoint")
	assert.Error(t, err)
}

func TestEndpointIsZero(t *testing.T) {
	var ep Endpoint
	assert.True(t, ep.IsZero())

	ep, err := ParseEndpoint("10.0.0.1:1")
	require.NoError(t, err)
	assert.False(t, ep.IsZero())
}

func TestNewIdentifierShapeAndUniqueness(t *testing.T) {
	a, err := NewIdentifier("p2p")
	require.NoError(t, err)
	b, err := NewIdentifier("p2p")
	require.NoError(t, err)

	assert.True(t, ValidIdentifier("p2p", a))
	assert.True(t, ValidIdentifier("p2p", b))
	assert.NotEqual(t, a, b)
	assert.False(t, ValidIdentifier("q", a))
}

func TestValidIdentifierRejectsMalformed(t *testing.T) {
	assert.False(t, ValidIdentifier("p2p", "p2p:zz"))
	assert.False(t, ValidIdentifier("p2p", "p2p:abcd"))
	assert.False(t, ValidIdentifier("p2p", "notp2p:1122334455667788"))
}
