// Package store holds the retained state of every Param-kind signal:
// the last known value at each address, its monotonic revision, which
// session last wrote it, and any write lock a session currently holds
// over it. Event, Stream, Gesture, and Timeline signals pass straight
// through the subscription engine and are never retained here.
package store

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nugget/clasp/internal/addr"
	"github.com/nugget/clasp/internal/wire"
)

// stripeCount is the number of address shards. Each shard has its own
// mutex, so writes to addresses in different shards never contend —
// the same reasoning that leads connwatch to keep one independent
// watcher goroutine per service rather than a single shared lock.
const stripeCount = 64

var (
	// ErrLocked is returned by Set when address is locked by a session
	// other than the writer and the call does not carry Unlock.
	ErrLocked = errors.New("store: address is locked")
	// ErrRevisionConflict is returned by Set when a revision hint is
	// supplied and does not match the address's current revision.
	ErrRevisionConflict = errors.New("store: revision conflict")
	// ErrNotFound names a missing entry. No Store method currently
	// returns it: Get reports absence with its bool, and Unlock of an
	// address that was never set returns nil.
	ErrNotFound = errors.New("store: address not found")
)

// LockInfo records which session holds a write lock over an address.
type LockInfo struct {
	SessionID    string
	AcquiredAtUs int64
}

// Entry is the retained state at one address.
type Entry struct {
	Address     string
	Value       wire.Value
	Revision    uint64
	Writer      string
	TimestampUs int64
	Lock        *LockInfo
	Meta        map[string]wire.Value

	// seq is the address's position in first-write order, assigned once
	// when the address is created and carried forward on every
	// subsequent Set. GetMatching/Snapshot sort by it so spec.md §4.3's
	// "insertion order" enumeration guarantee holds regardless of which
	// shard an address hashes into.
	seq uint64
}

// held reports whether a lock on the entry blocks a write from
// sessionID.
func (e *Entry) held(sessionID string) bool {
	return e != nil && e.Lock != nil && e.Lock.SessionID != sessionID
}

type stripe struct {
	mu   sync.Mutex
	data sync.Map // address (string) -> *Entry
}

// Store is the sharded Param state store. All methods are safe for
// concurrent use.
type Store struct {
	stripes [stripeCount]*stripe
	nextSeq atomic.Uint64
}

// New creates an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.stripes {
		s.stripes[i] = &stripe{}
	}
	return s
}

func (s *Store) stripeFor(address string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return s.stripes[h.Sum32()%stripeCount]
}

// Get returns a copy of the entry at address. The bool reports whether
// an entry exists. Lock-free: reads go directly against the stripe's
// sync.Map without taking the write mutex.
func (s *Store) Get(address string) (Entry, bool) {
	v, ok := s.stripeFor(address).data.Load(address)
	if !ok {
		return Entry{}, false
	}
	return *v.(*Entry), true
}

// SetOptions controls a single Set call.
type SetOptions struct {
	Writer        string
	RevisionHint  *uint64 // nil = no optimistic-concurrency check
	Lock          bool    // acquire a write lock held by Writer
	Unlock        bool    // release any existing lock, regardless of holder
	TimestampUs   int64
}

// Set writes value to address, bumping its revision. It enforces lock
// ownership and, if opts.RevisionHint is set, optimistic-concurrency
// matching against the address's current revision.
func (s *Store) Set(address string, value wire.Value, opts SetOptions) (Entry, error) {
	st := s.stripeFor(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	var existing *Entry
	if v, ok := st.data.Load(address); ok {
		existing = v.(*Entry)
	}

	if existing.held(opts.Writer) && !opts.Unlock {
		return Entry{}, fmt.Errorf("%w: %s held by session %q", ErrLocked, address, existing.Lock.SessionID)
	}
	if opts.RevisionHint != nil {
		var cur uint64
		if existing != nil {
			cur = existing.Revision
		}
		if *opts.RevisionHint != cur {
			return Entry{}, fmt.Errorf("%w: %s has revision %d, hint was %d", ErrRevisionConflict, address, cur, *opts.RevisionHint)
		}
	}

	next := Entry{
		Address:     address,
		Value:       value,
		Writer:      opts.Writer,
		TimestampUs: opts.TimestampUs,
	}
	if existing != nil {
		next.Revision = existing.Revision + 1
		next.Meta = existing.Meta
		next.Lock = existing.Lock
		next.seq = existing.seq
	} else {
		next.Revision = 1
		next.seq = s.nextSeq.Add(1)
	}
	switch {
	case opts.Unlock:
		next.Lock = nil
	case opts.Lock:
		next.Lock = &LockInfo{SessionID: opts.Writer, AcquiredAtUs: opts.TimestampUs}
	}

	st.data.Store(address, &next)
	return next, nil
}

// Unlock releases a write lock on address, regardless of which session
// holds it. It is a no-op if the address has no lock.
func (s *Store) Unlock(address string) error {
	st := s.stripeFor(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	v, ok := st.data.Load(address)
	if !ok {
		return nil
	}
	existing := v.(*Entry)
	if existing.Lock == nil {
		return nil
	}
	next := *existing
	next.Lock = nil
	st.data.Store(address, &next)
	return nil
}

// ReleaseSessionLocks unlocks every address currently locked by
// sessionID, e.g. on session termination.
func (s *Store) ReleaseSessionLocks(sessionID string) {
	for _, st := range s.stripes {
		st.mu.Lock()
		st.data.Range(func(k, v interface{}) bool {
			e := v.(*Entry)
			if e.Lock != nil && e.Lock.SessionID == sessionID {
				next := *e
				next.Lock = nil
				st.data.Store(k, &next)
			}
			return true
		})
		st.mu.Unlock()
	}
}

// GetMatching returns every retained entry whose address matches
// pattern, in insertion order (spec.md §4.3: "Order is insertion
// order"). sync.Map.Range makes no enumeration-order promise across
// the store's 64 shards, so entries are collected unordered and then
// sorted by their assigned seq.
func (s *Store) GetMatching(pattern addr.Pattern) ([]Entry, error) {
	var out []Entry
	var rangeErr error
	for _, st := range s.stripes {
		st.data.Range(func(k, v interface{}) bool {
			address := k.(string)
			ok, err := pattern.Matches(address)
			if err != nil {
				rangeErr = err
				return false
			}
			if ok {
				out = append(out, *v.(*Entry))
			}
			return true
		})
		if rangeErr != nil {
			return nil, rangeErr
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// Snapshot builds a SNAPSHOT wire message from every entry matching
// pattern. The dispatcher sends it as the initial SNAPSHOT of every
// SUBSCRIBE, whatever the subscription's History option.
func (s *Store) Snapshot(pattern addr.Pattern) (wire.Message, error) {
	entries, err := s.GetMatching(pattern)
	if err != nil {
		return wire.Message{}, err
	}
	params := make([]wire.ParamEntry, len(entries))
	for i, e := range entries {
		params[i] = wire.ParamEntry{Address: e.Address, Value: e.Value, Revision: e.Revision}
	}
	return wire.Message{Type: wire.TypeSnapshot, Params: params}, nil
}

// delete removes the entry at address entirely. Not wire-exposed:
// CLASP has no "forget this address" operation over the protocol.
// Exercised by this package's own tests only.
func (s *Store) delete(address string) {
	st := s.stripeFor(address)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.data.Delete(address)
}
