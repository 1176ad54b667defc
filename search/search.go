// Package search implements L4: an asynchronous find-anywhere primitive
// layered on gossip, with per-query timeouts and multi-result callbacks.
// Grounded directly on original_source/bcws/search.py's Search class; the
// callback contract (return true to stop, false/nil to keep listening) is
// preserved per spec.md section 9's design note on callback-driven
// asynchrony.
package search

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bcws-network/node/gossip"
	"github.com/bcws-network/node/log"
)

// DefaultTimeout is the default per-query abandonment window.
const DefaultTimeout = 60 * time.Second

// CleanupInterval is how often pending queries are swept for expiry.
const CleanupInterval = 10 * time.Second

// ResultHandler processes one search result (nil on timeout). Returning
// true stops the search; false/continuing means more responses may still
// arrive.
type ResultHandler func(result json.RawMessage) bool

// Searcher answers a local query for its registered kind, returning nil if
// it has no answer.
type Searcher func(query json.RawMessage) (json.RawMessage, error)

type pending struct {
	expiry  time.Time
	handler ResultHandler
}

// Search runs query/response lookups over a gossip.Gossip.
type Search struct {
	gsp *gossip.Gossip

	mu        sync.Mutex
	searchers map[string]Searcher
	queries   map[string]*pending

	stopCh chan struct{}
}

// New binds a search layer to an existing gossip instance, registering the
// search:query and search:response gossip kinds.
func New(gsp *gossip.Gossip) *Search {
	s := &Search{
		gsp:       gsp,
		searchers: make(map[string]Searcher),
		queries:   make(map[string]*pending),
		stopCh:    make(chan struct{}),
	}
	gsp.Register("search:query", s.handleQuery)
	gsp.Register("search:response", s.handleResponse)
	return s
}

// Start begins the background expiry sweep.
func (s *Search) Start() {
	go s.cleanupLoop()
}

// Stop terminates the expiry sweep.
func (s *Search) Stop() { close(s.stopCh) }

// Register binds a Searcher to kind. Duplicate registration is a fatal
// configuration error, per spec.md section 4.5/7.
func (s *Search) Register(kind string, searcher Searcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.searchers[kind]; exists {
		log.Crit("duplicate searcher registration", "kind", kind)
	}
	s.searchers[kind] = searcher
}

func newQueryID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "q:" + hex.EncodeToString(buf[:])
}

// SearchFor issues a find-anywhere query of kind for query, invoking
// handler with each response (or nil on timeout). The search never blocks
// the caller.
func (s *Search) SearchFor(kind string, query interface{}, handler ResultHandler, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := newQueryID()
	log.Cat(log.CatSch, "search", "id", id, "kind", kind)

	s.mu.Lock()
	s.queries[id] = &pending{expiry: time.Now().Add(timeout), handler: handler}
	s.mu.Unlock()

	time.AfterFunc(timeout, func() {
		s.mu.Lock()
		p, ok := s.queries[id]
		if ok {
			delete(s.queries, id)
		}
		s.mu.Unlock()
		if ok {
			log.Cat(log.CatSch, "query timed out", "id", id)
			p.handler(nil)
		}
	})

	msg, err := gossip.NewMessage("search:query", [3]interface{}{id, kind, query})
	if err != nil {
		return fmt.Errorf("encode search query: %w", err)
	}
	s.gsp.Broadcast(msg)
	return nil
}

func (s *Search) handleQuery(msg gossip.Message) {
	var envelope [3]json.RawMessage
	if err := msg.Payload(&envelope); err != nil {
		log.Cat(log.CatErr, "bad search:query payload", "err", err)
		return
	}
	var id, kind string
	if err := json.Unmarshal(envelope[0], &id); err != nil {
		log.Cat(log.CatErr, "bad search query id", "err", err)
		return
	}
	if err := json.Unmarshal(envelope[1], &kind); err != nil {
		log.Cat(log.CatErr, "bad search query kind", "err", err)
		return
	}
	query := envelope[2]

	s.mu.Lock()
	searcher, ok := s.searchers[kind]
	s.mu.Unlock()
	if !ok {
		log.Cat(log.CatErr, "no searcher found for kind", "kind", kind)
		return
	}

	result, err := searcher(query)
	if err != nil {
		log.Cat(log.CatErr, "searcher failed", "kind", kind, "err", err)
		return
	}
	log.Cat(log.CatSch, "search query answered", "id", id, "kind", kind, "found", result != nil)
	if result == nil {
		return
	}

	msg, err := gossip.NewMessage("search:response", [2]interface{}{id, result})
	if err != nil {
		log.Cat(log.CatErr, "encode search response failed", "err", err)
		return
	}
	s.gsp.Broadcast(msg)
}

func (s *Search) handleResponse(msg gossip.Message) {
	var envelope [2]json.RawMessage
	if err := msg.Payload(&envelope); err != nil {
		log.Cat(log.CatErr, "bad search:response payload", "err", err)
		return
	}
	var id string
	if err := json.Unmarshal(envelope[0], &id); err != nil {
		log.Cat(log.CatErr, "bad search response id", "err", err)
		return
	}
	result := envelope[1]

	s.mu.Lock()
	p, ok := s.queries[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	log.Cat(log.CatSch, "received search result", "id", id)
	if p.handler(result) {
		log.Cat(log.CatSch, "search complete", "id", id)
		s.mu.Lock()
		delete(s.queries, id)
		s.mu.Unlock()
	}
}

func (s *Search) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Search) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var timedOut []*pending
	for id, p := range s.queries {
		if now.After(p.expiry) {
			timedOut = append(timedOut, p)
			delete(s.queries, id)
			log.Cat(log.CatSch, "query timed out", "id", id)
		}
	}
	s.mu.Unlock()

	for _, p := range timedOut {
		p.handler(nil)
	}
}
