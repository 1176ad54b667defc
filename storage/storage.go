// Package storage implements the persistent key-value layer as a set of
// namespaces, each a directory mapping string keys to opaque string blobs
// stored one file per key, per spec.md section 6. Grounded on
// original_source/bcws/storage.py's StorageMaster/Storage pair; the
// interface shape (Get/Put over a namespace) mirrors the teacher's
// core/rawdb ReadX/WriteX accessors, but the on-disk format is the literal
// file-per-key layout the spec mandates, so no KV engine (e.g. the
// teacher's LevelDB-backed evrdb) is substituted underneath it.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bcws-network/node/log"
)

// Root owns the on-disk directory tree and hands out per-namespace views.
type Root struct {
	dir string
}

// NewRoot opens (creating if needed) the storage root at dir.
func NewRoot(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %q: %w", dir, err)
	}
	return &Root{dir: dir}, nil
}

// Namespace returns the namespace directory view named name, creating it if
// it does not yet exist.
func (r *Root) Namespace(name string) (*Namespace, error) {
	dir := filepath.Join(r.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %q: %w", name, err)
	}
	return &Namespace{dir: dir, name: name}, nil
}

// Namespace is a directory mapping string keys to opaque string blobs, one
// file per key.
type Namespace struct {
	dir  string
	name string
}

func (n *Namespace) path(key string) string {
	return filepath.Join(n.dir, key)
}

// Has reports whether key exists in the namespace.
func (n *Namespace) Has(key string) bool {
	_, err := os.Stat(n.path(key))
	return err == nil
}

// Get reads the value for key. The bool result reports whether it existed.
func (n *Namespace) Get(key string) (string, bool) {
	b, err := os.ReadFile(n.path(key))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// MustGet reads key and calls log.Crit if it is absent, for the handful of
// persisted keys whose absence is a fatal configuration error (spec.md
// section 7: "persistent-store-missing-required-key" is fatal).
func (n *Namespace) MustGet(key string) string {
	v, ok := n.Get(key)
	if !ok {
		log.Crit("required persisted key is missing", "namespace", n.name, "key", key)
	}
	return v
}

// Put writes key=value durably. To avoid partial writes (spec.md section 7:
// "no partial writes to state files are tolerated"), the value is written to
// a temp file in the same directory and atomically renamed into place.
func (n *Namespace) Put(key, value string) error {
	final := n.path(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s/%s: %w", n.name, key, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename into place %s/%s: %w", n.name, key, err)
	}
	return nil
}

// Delete removes key from the namespace. Deleting an absent key is not an
// error.
func (n *Namespace) Delete(key string) error {
	if err := os.Remove(n.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", n.name, key, err)
	}
	return nil
}

// Keys lists all keys currently present in the namespace.
func (n *Namespace) Keys() ([]string, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return nil, fmt.Errorf("list namespace %q: %w", n.name, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}
