// Package indexer orchestrates repository indexing runs: fetch, chunk,
// embed, store, with per-repository progress tracking.
package indexer

import (
	"sync"
	"time"

	"github.com/askrepo/askrepo/internal/store"
)

// Phase progress bands. Each running phase advances linearly from its floor
// to its ceiling as units complete.
var (
	phaseFloor = map[string]int{
		store.PhasePending:   0,
		store.PhaseFetching:  0,
		store.PhaseChunking:  10,
		store.PhaseEmbedding: 30,
		store.PhaseStoring:   80,
	}
	phaseCeil = map[string]int{
		store.PhasePending:   0,
		store.PhaseFetching:  10,
		store.PhaseChunking:  30,
		store.PhaseEmbedding: 80,
		store.PhaseStoring:   100,
	}
)

// Tracker holds the live state of one indexing run. Progress never
// decreases, even across phase boundaries and on failure.
type Tracker struct {
	mu         sync.Mutex
	job        store.Job
	phaseTotal int
	phaseDone  int
	persist    func(store.Job)
}

// NewTracker starts a run in the pending phase. persist is called with a
// snapshot on every phase change and whenever the progress value moves; it
// may be nil. The constructor itself never persists, so it is safe to call
// while holding the registry lock.
func NewTracker(ref store.RepositoryRef, runID string, persist func(store.Job)) *Tracker {
	return &Tracker{
		job: store.Job{
			ID:        ref.Key(),
			Owner:     ref.Owner,
			Name:      ref.Name,
			Branch:    ref.Branch,
			RunID:     runID,
			Phase:     store.PhasePending,
			StartedAt: time.Now().UTC(),
		},
		persist: persist,
	}
}

// SetPhase transitions the run to a new phase with total units of work.
func (t *Tracker) SetPhase(phase string, total int) {
	t.mu.Lock()
	t.job.Phase = phase
	t.phaseTotal = total
	t.phaseDone = 0
	t.advance(phaseFloor[phase])
	snap := t.job
	t.mu.Unlock()
	t.save(snap)
}

// Step marks n units of the current phase complete.
func (t *Tracker) Step(n int) {
	t.mu.Lock()
	t.phaseDone += n
	before := t.job.Progress
	t.advance(t.phaseProgress())
	moved := t.job.Progress != before
	snap := t.job
	t.mu.Unlock()
	if moved {
		t.save(snap)
	}
}

// Update mutates the run counters under the tracker's lock.
func (t *Tracker) Update(fn func(*store.JobStats)) {
	t.mu.Lock()
	fn(&t.job.Stats)
	t.mu.Unlock()
}

// Complete marks the run finished.
func (t *Tracker) Complete() {
	t.finish(store.PhaseCompleted, "")
}

// Fail marks the run failed, keeping whatever progress it reached.
func (t *Tracker) Fail(err error) {
	t.finish(store.PhaseFailed, err.Error())
}

func (t *Tracker) finish(phase, lastError string) {
	t.mu.Lock()
	t.job.Phase = phase
	t.job.LastError = lastError
	if phase == store.PhaseCompleted {
		t.advance(100)
	}
	now := time.Now().UTC()
	t.job.CompletedAt = &now
	snap := t.job
	t.mu.Unlock()
	t.save(snap)
}

// Snapshot returns a copy of the current job state.
func (t *Tracker) Snapshot() store.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// advance moves progress forward only. Callers hold t.mu.
func (t *Tracker) advance(p int) {
	if p > 100 {
		p = 100
	}
	if p > t.job.Progress {
		t.job.Progress = p
	}
}

// phaseProgress interpolates within the current phase band. Callers hold t.mu.
func (t *Tracker) phaseProgress() int {
	floor := phaseFloor[t.job.Phase]
	ceil := phaseCeil[t.job.Phase]
	if t.phaseTotal <= 0 {
		return ceil
	}
	done := t.phaseDone
	if done > t.phaseTotal {
		done = t.phaseTotal
	}
	return floor + (ceil-floor)*done/t.phaseTotal
}

func (t *Tracker) save(snap store.Job) {
	if t.persist != nil {
		t.persist(snap)
	}
}
