package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespacePutGetRoundTrip(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)

	ns, err := root.Namespace("block")
	require.NoError(t, err)

	require.NoError(t, ns.Put("deadbeef", "payload"))
	v, ok := ns.Get("deadbeef")
	require.True(t, ok)
	assert.Equal(t, "payload", v)
}

func TestNamespaceGetMissingKey(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	ns, err := root.Namespace("block")
	require.NoError(t, err)

	_, ok := ns.Get("nonexistent")
	assert.False(t, ok)
	assert.False(t, ns.Has("nonexistent"))
}

func TestNamespacePutOverwritesAtomically(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	ns, err := root.Namespace("blocknum")
	require.NoError(t, err)

	require.NoError(t, ns.Put("latest", "1"))
	require.NoError(t, ns.Put("latest", "2"))

	v, ok := ns.Get("latest")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestNamespaceKeysExcludesTempFiles(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	ns, err := root.Namespace("block")
	require.NoError(t, err)

	require.NoError(t, ns.Put("a", "1"))
	require.NoError(t, ns.Put("b", "2"))

	keys, err := ns.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestNamespaceDeleteIsIdempotent(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	ns, err := root.Namespace("privkey")
	require.NoError(t, err)

	require.NoError(t, ns.Put("privkey", "abcd"))
	require.NoError(t, ns.Delete("privkey"))
	assert.False(t, ns.Has("privkey"))
	require.NoError(t, ns.Delete("privkey"))
}

func TestNamespacesAreIsolated(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	a, err := root.Namespace("block")
	require.NoError(t, err)
	b, err := root.Namespace("blockstate")
	require.NoError(t, err)

	require.NoError(t, a.Put("k", "from-a"))
	_, ok := b.Get("k")
	assert.False(t, ok)
}
