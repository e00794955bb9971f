package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is the in-memory feed tree behind the reference server. Collection
// paths hold push-appended records; document paths hold mergeable field
// maps. Every mutation under a collection broadcasts the full collection
// state to its subscribers — whole snapshots, never deltas.
type Store struct {
	mu    sync.Mutex
	colls map[string]map[string]json.RawMessage
	docs  map[string]map[string]any
	subs  map[string]map[*Subscriber]struct{}
	seq   uint64
}

// Subscriber receives full snapshots of one path. The channel holds only
// the latest state: when a subscriber lags, older snapshots are dropped in
// favor of the newest, which supersedes them anyway.
type Subscriber struct {
	path string
	ch   chan map[string]json.RawMessage
}

// C is the snapshot stream.
func (s *Subscriber) C() <-chan map[string]json.RawMessage { return s.ch }

func NewStore() *Store {
	return &Store{
		colls: make(map[string]map[string]json.RawMessage),
		docs:  make(map[string]map[string]any),
		subs:  make(map[string]map[*Subscriber]struct{}),
	}
}

// Append adds a record to the collection at path and returns its push id.
// Push ids are fixed-width and monotonic, so lexicographic id order is
// append order.
func (s *Store) Append(path string, record json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("%013d%06d", time.Now().UnixMilli(), s.seq)

	coll := s.colls[path]
	if coll == nil {
		coll = make(map[string]json.RawMessage)
		s.colls[path] = coll
	}
	coll[id] = record
	s.broadcastLocked(path)
	return id
}

// Snapshot returns a copy of the collection at path; empty map when the
// collection holds nothing.
func (s *Store) Snapshot(path string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(path)
}

func (s *Store) snapshotLocked(path string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.colls[path]))
	for id, rec := range s.colls[path] {
		out[id] = rec
	}
	return out
}

// ReadDoc returns the document at path.
func (s *Store) ReadDoc(path string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true
}

// UpdateDoc merges fields into the document at path, creating it if
// absent.
func (s *Store) UpdateDoc(path string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[path]
	if doc == nil {
		doc = make(map[string]any)
		s.docs[path] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
}

// Subscribe attaches to the collection at path. The current snapshot is
// queued immediately, so an empty channel delivers an empty snapshot
// rather than silence.
func (s *Store) Subscribe(path string) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{path: path, ch: make(chan map[string]json.RawMessage, 1)}
	set := s.subs[path]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		s.subs[path] = set
	}
	set[sub] = struct{}{}
	sub.ch <- s.snapshotLocked(path)
	return sub
}

// Unsubscribe detaches sub. Idempotent.
func (s *Store) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[sub.path]
	if set == nil {
		return
	}
	if _, ok := set[sub]; ok {
		delete(set, sub)
		close(sub.ch)
	}
}

func (s *Store) broadcastLocked(path string) {
	snap := s.snapshotLocked(path)
	for sub := range s.subs[path] {
		select {
		case sub.ch <- snap:
		default:
			// Lagging subscriber: replace the stale queued snapshot.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- snap
		}
	}
}
