package chunk

import "sync"

// Table is the mutable, thread-safe state of a Plan: per-chunk status, the
// monotone done count, and the adaptive chunk-size controller. Table owns
// the Plan it was built from; the plan's rows are never destroyed, only
// transitioned.
type Table struct {
	mu sync.Mutex

	plan      *Plan
	doneCount uint32

	currentChunkSize uint64
	successStreak    int
	failStreak       int
}

// NewTable wraps a Plan with initial adaptive-controller state seeded from
// the plan's own chunk size: current_chunk_size starts at the plan's
// initial chunk size.
func NewTable(plan *Plan) *Table {
	return &Table{
		plan:             plan,
		currentChunkSize: plan.ChunkSize(),
	}
}

// AcquireNext returns the lowest-id pending chunk, flipping it to in-flight.
// Returns ok=false if no pending chunk remains. Ties break by ascending id.
func (t *Table) AcquireNext() (ref Ref, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.plan.rows {
		r := &t.plan.rows[id]
		if r.status == Pending {
			r.status = InFlight
			return Ref{ID: uint32(id), Start: r.start, EndInclusive: r.endInclusive}, true
		}
	}
	return Ref{}, false
}

// MarkSuccess transitions a chunk in_flight -> done and counts the success
// toward the adaptive controller's streak; the controller does not use
// observedSpeed (bytes/sec). A call against an already-done
// chunk is a no-op (idempotent, does not double count), matching the
// resume-replay interaction this must tolerate.
func (t *Table) MarkSuccess(id uint32, observedSpeed float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &t.plan.rows[id]
	if r.status == Done {
		return
	}
	r.status = Done
	t.doneCount++
	t.onSuccess()
}

// MarkFailure transitions a chunk in_flight -> pending (re-acquirable) and
// feeds the failure into the adaptive controller.
func (t *Table) MarkFailure(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &t.plan.rows[id]
	if r.status == Done {
		return
	}
	r.status = Pending
	t.onFailure()
}

// MarkCompletedFromResume transitions pending -> done without controller
// feedback. Used exactly once per id during resume replay; idempotent.
func (t *Table) MarkCompletedFromResume(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &t.plan.rows[id]
	if r.status == Done {
		return
	}
	r.status = Done
	t.doneCount++
}

// IsFinished reports whether every chunk has reached done.
func (t *Table) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneCount == uint32(len(t.plan.rows))
}

// DoneCount returns the monotone count of completed chunks.
func (t *Table) DoneCount() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneCount
}

// ChunkRange returns the byte range of a chunk id.
func (t *Table) ChunkRange(id uint32) (start, endInclusive uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.plan.rows[id]
	return r.start, r.endInclusive
}

// ChunkCount returns the plan's dense id range size.
func (t *Table) ChunkCount() uint32 {
	return t.plan.ChunkCount()
}

// CurrentChunkSize returns the adaptive controller's current preferred
// chunk size. This value is observational: it never reshapes the active
// plan, and no planner in this module reads it.
func (t *Table) CurrentChunkSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentChunkSize
}

// onSuccess must be called with mu held.
func (t *Table) onSuccess() {
	t.failStreak = 0
	t.successStreak++
	if t.successStreak >= streakThreshold {
		t.currentChunkSize = min(t.currentChunkSize*2, uint64(MaxChunkSize))
		t.successStreak = 0
	}
}

// onFailure must be called with mu held. Any failure halves the preferred
// size immediately; it does not wait for a fail streak.
func (t *Table) onFailure() {
	t.successStreak = 0
	t.currentChunkSize = max(t.currentChunkSize/2, uint64(MinChunkSize))
	t.failStreak = 0
}
