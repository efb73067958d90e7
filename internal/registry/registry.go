// Package registry is the in-memory owner of lab session records. Entries are
// sharded by session key so operations on different keys never contend, and
// every committed change is written through to the durable store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/p-arndt/labkasten/internal/lab"
)

const shardCount = 32

// ErrRemoved is returned to callers waiting on an entry that was dropped.
var ErrRemoved = errors.New("session entry removed")

// Persister is the durable side of the registry.
type Persister interface {
	SaveSession(sess *lab.Session) error
	DeleteSession(id string) error
}

// Entry is one session slot. The operation token serializes lifecycle
// operations on the key; the state mutex only guards the record itself.
type Entry struct {
	busy    chan struct{}
	removed chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sess lab.Session

	failSeq uint64
	failErr error
}

func newEntry(sess lab.Session, held bool) *Entry {
	e := &Entry{
		busy:    make(chan struct{}, 1),
		removed: make(chan struct{}),
		sess:    sess,
	}
	if held {
		e.busy <- struct{}{}
	}
	return e
}

// Lock acquires the operation token. It fails if ctx ends first or the entry
// is removed while waiting.
func (e *Entry) Lock(ctx context.Context) error {
	select {
	case e.busy <- struct{}{}:
	case <-e.removed:
		return ErrRemoved
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-e.removed:
		<-e.busy
		return ErrRemoved
	default:
		return nil
	}
}

func (e *Entry) Unlock() {
	<-e.busy
}

// Snapshot returns a deep copy of the current record.
func (e *Entry) Snapshot() lab.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone()
}

func (e *Entry) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.ID
}

func (e *Entry) State() lab.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.State
}

// SetFailure records why the last operation on the entry failed, stamped with
// seq so callers that waited on it can tell whether it happened after they
// arrived.
func (e *Entry) SetFailure(seq uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failSeq, e.failErr = seq, err
}

// Failure returns the last recorded failure, or a nil error.
func (e *Entry) Failure() (seq uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failSeq, e.failErr
}

// Removed is closed once the entry has left the registry.
func (e *Entry) Removed() <-chan struct{} {
	return e.removed
}

type shard struct {
	mu    sync.RWMutex
	byKey map[lab.Key]*Entry
}

type Registry struct {
	shards [shardCount]*shard
	store  Persister
	logger *slog.Logger

	idMu sync.RWMutex
	byID map[string]*Entry
}

func New(store Persister, logger *slog.Logger) *Registry {
	r := &Registry{
		store:  store,
		logger: logger,
		byID:   make(map[string]*Entry),
	}
	for i := range r.shards {
		r.shards[i] = &shard{byKey: make(map[lab.Key]*Entry)}
	}
	return r
}

func (r *Registry) shardFor(k lab.Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.UserID))
	h.Write([]byte{0})
	h.Write([]byte(k.CourseID))
	return r.shards[h.Sum32()%shardCount]
}

// Claim inserts placeholder for its key unless an entry already exists. On
// insert the placeholder is persisted, the returned entry's operation token
// is already held by the caller, and created is true. Otherwise the existing
// entry is returned untouched.
func (r *Registry) Claim(placeholder lab.Session) (e *Entry, created bool, err error) {
	key := placeholder.Key()
	sh := r.shardFor(key)

	sh.mu.Lock()
	if existing, ok := sh.byKey[key]; ok {
		sh.mu.Unlock()
		return existing, false, nil
	}
	placeholder.Version = 1
	e = newEntry(placeholder, true)
	sh.byKey[key] = e
	sh.mu.Unlock()

	r.idMu.Lock()
	r.byID[placeholder.ID] = e
	r.idMu.Unlock()

	if err := r.store.SaveSession(&placeholder); err != nil {
		r.drop(e, key, placeholder.ID)
		return nil, false, fmt.Errorf("persisting placeholder: %w", err)
	}
	return e, true, nil
}

// Commit applies mutate to a copy of the record, bumps its version and writes
// it through to the store. The in-memory record only changes if the write
// succeeds.
func (r *Registry) Commit(e *Entry, mutate func(*lab.Session) error) (lab.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.removed:
		return e.sess.Clone(), ErrRemoved
	default:
	}

	next := e.sess.Clone()
	if err := mutate(&next); err != nil {
		return e.sess.Clone(), err
	}
	next.Version = e.sess.Version + 1
	if err := r.store.SaveSession(&next); err != nil {
		return e.sess.Clone(), fmt.Errorf("persisting session %s: %w", next.ID, err)
	}
	e.sess = next
	return next.Clone(), nil
}

// Remove drops the entry from memory and wakes everyone waiting on it. The
// durable row is kept.
func (r *Registry) Remove(e *Entry) {
	snap := e.Snapshot()
	r.drop(e, snap.Key(), snap.ID)
}

// Discard drops the entry and deletes its durable row.
func (r *Registry) Discard(e *Entry) error {
	snap := e.Snapshot()
	r.drop(e, snap.Key(), snap.ID)
	if err := r.store.DeleteSession(snap.ID); err != nil {
		return fmt.Errorf("deleting session %s: %w", snap.ID, err)
	}
	return nil
}

func (r *Registry) drop(e *Entry, key lab.Key, id string) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	if sh.byKey[key] == e {
		delete(sh.byKey, key)
	}
	sh.mu.Unlock()

	r.idMu.Lock()
	if r.byID[id] == e {
		delete(r.byID, id)
	}
	r.idMu.Unlock()

	e.once.Do(func() { close(e.removed) })
}

// Load repopulates the registry from persisted records. A key seen twice
// keeps the most recently created record; the other is returned as a
// conflict for the caller to resolve.
func (r *Registry) Load(sessions []*lab.Session) (conflicts []lab.Session) {
	for _, s := range sessions {
		sess := s.Clone()
		key := sess.Key()
		sh := r.shardFor(key)

		sh.mu.Lock()
		if existing, ok := sh.byKey[key]; ok {
			prev := existing.Snapshot()
			if !prev.CreatedAt.Before(sess.CreatedAt) {
				sh.mu.Unlock()
				conflicts = append(conflicts, sess)
				continue
			}
			conflicts = append(conflicts, prev)
			r.idMu.Lock()
			delete(r.byID, prev.ID)
			r.idMu.Unlock()
		}
		e := newEntry(sess, false)
		sh.byKey[key] = e
		sh.mu.Unlock()

		r.idMu.Lock()
		r.byID[sess.ID] = e
		r.idMu.Unlock()
	}
	if len(conflicts) > 0 {
		r.logger.Warn("duplicate sessions for key in store", "count", len(conflicts))
	}
	return conflicts
}

// Get returns the entry with the given session id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.idMu.RLock()
	defer r.idMu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// Lookup returns the entry for the key.
func (r *Registry) Lookup(key lab.Key) (*Entry, bool) {
	sh := r.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.byKey[key]
	return e, ok
}

// All returns every entry currently registered.
func (r *Registry) All() []*Entry {
	r.idMu.RLock()
	defer r.idMu.RUnlock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}

// ByCourse returns the entries belonging to courseID.
func (r *Registry) ByCourse(courseID string) []*Entry {
	var out []*Entry
	for _, e := range r.All() {
		e.mu.Lock()
		match := e.sess.CourseID == courseID
		e.mu.Unlock()
		if match {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many entries are in a state matching fn.
func (r *Registry) Count(fn func(lab.State) bool) int {
	n := 0
	for _, e := range r.All() {
		if fn(e.State()) {
			n++
		}
	}
	return n
}

// CountByState tallies registered entries per state.
func (r *Registry) CountByState() map[lab.State]int {
	out := make(map[lab.State]int)
	for _, e := range r.All() {
		out[e.State()]++
	}
	return out
}
