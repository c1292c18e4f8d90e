package indexer

import (
	"sync"
	"sync/atomic"

	"github.com/askrepo/askrepo/internal/store"
)

// indexLock provides non-blocking lock semantics using atomic operations.
type indexLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

func (l *indexLock) tryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

func (l *indexLock) release() {
	l.state.Store(0)
}

// Registry tracks in-flight indexing runs, at most one per repository ref.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	lock    indexLock
	tracker *Tracker
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Acquire claims the run slot for ref. On success it builds and registers a
// tracker via newTracker and returns a release function. When a run is
// already in flight it returns that run's tracker and ok=false; newTracker
// is not called.
//
// Lock acquisition and tracker registration happen in one critical section
// so a losing caller always observes the winner's tracker, never nil and
// never a finished run's. newTracker must not block; it runs under the
// registry lock.
func (r *Registry) Acquire(ref store.RepositoryRef, newTracker func() *Tracker) (release func(), tracker *Tracker, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.entries[ref.Key()]
	if !found {
		entry = &registryEntry{}
		r.entries[ref.Key()] = entry
	}
	if !entry.lock.tryAcquire() {
		return nil, entry.tracker, false
	}
	tracker = newTracker()
	entry.tracker = tracker
	return func() { entry.lock.release() }, tracker, true
}

// Snapshot returns the live job state for ref if a run is in flight.
func (r *Registry) Snapshot(ref store.RepositoryRef) (store.Job, bool) {
	r.mu.Lock()
	var tracker *Tracker
	if entry, found := r.entries[ref.Key()]; found && entry.lock.state.Load() == 1 {
		tracker = entry.tracker
	}
	r.mu.Unlock()
	if tracker == nil {
		return store.Job{}, false
	}
	return tracker.Snapshot(), true
}

// SnapshotRepo returns the live job state for any in-flight run of the
// repository, regardless of branch.
func (r *Registry) SnapshotRepo(owner, name string) (store.Job, bool) {
	r.mu.Lock()
	var trackers []*Tracker
	for _, entry := range r.entries {
		if entry.tracker != nil && entry.lock.state.Load() == 1 {
			trackers = append(trackers, entry.tracker)
		}
	}
	r.mu.Unlock()
	for _, tracker := range trackers {
		job := tracker.Snapshot()
		if job.Owner == owner && job.Name == name {
			return job, true
		}
	}
	return store.Job{}, false
}
