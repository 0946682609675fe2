// Package runqueue implements the Run Queue (C3): the central matching
// engine between enqueued runs and polling workers.
package runqueue

import (
	"sync"
	"time"

	apperrors "github.com/kandev/coordinator/internal/common/errors"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// WorkerView is the subset of worker state the matcher needs. Kept
// narrow and dependency-free so the Run Queue never imports the Worker
// Registry package directly (matching stays a pure function of demand
// and candidate).
type WorkerView struct {
	WorkerID            string
	Hostname            string
	ProjectDir          string
	ExecutorProfile     string
	ExecutorType        string
	Tags                []string
	RequireMatchingTags bool
}

// Matches reports whether a worker satisfies a run's demands, per §4.3:
// exact match on any declared hostname/project_dir/executor_profile,
// executor_type equality, tag superset, the worker's own
// require_matching_tags constraint, and worker-owned-blueprint exclusivity.
func Matches(d v1.Demands, w WorkerView) bool {
	if d.OwnerWorkerID != "" && d.OwnerWorkerID != w.WorkerID {
		return false
	}
	if d.Hostname != "" && d.Hostname != w.Hostname {
		return false
	}
	if d.ProjectDir != "" && d.ProjectDir != w.ProjectDir {
		return false
	}
	if d.ExecutorProfile != "" && d.ExecutorProfile != w.ExecutorProfile {
		return false
	}
	if d.ExecutorType != "" && d.ExecutorType != w.ExecutorType {
		return false
	}
	if len(d.Tags) > 0 && !isSuperset(w.Tags, d.Tags) {
		return false
	}
	if w.RequireMatchingTags && !intersects(w.Tags, d.Tags) {
		return false
	}
	return true
}

func isSuperset(set, subset []string) bool {
	if len(subset) == 0 {
		return true
	}
	has := make(map[string]struct{}, len(set))
	for _, t := range set {
		has[t] = struct{}{}
	}
	for _, t := range subset {
		if _, ok := has[t]; !ok {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	has := make(map[string]struct{}, len(a))
	for _, t := range a {
		has[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := has[t]; ok {
			return true
		}
	}
	return false
}

// Queue holds every non-terminal run, FIFO by enqueue order, plus an
// index on session_id. A single sync.Cond wakes blocked long-polls on
// enqueue or stop-command, mirroring the TaskQueue's heap+map duality
// with the priority heap swapped out for a plain FIFO slice.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	order     []string          // run_id, FIFO
	byID      map[string]*v1.Run
	bySession map[string]string // session_id -> run_id, only while non-terminal
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{
		byID:      make(map[string]*v1.Run),
		bySession: make(map[string]string),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue assigns run_id (if unset), stores the run, and if it carries
// demands, sets no_match_deadline = now + noMatchTimeout. Wakes any
// blocked long-polls.
func (q *Queue) Enqueue(run *v1.Run, noMatchTimeout time.Duration) *v1.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = v1.RunPending
	}
	if !run.Demands.IsEmpty() {
		deadline := run.CreatedAt.Add(noMatchTimeout)
		run.NoMatchDeadline = &deadline
	}

	q.order = append(q.order, run.RunID)
	q.byID[run.RunID] = run
	q.bySession[run.SessionID] = run.RunID

	q.cond.Broadcast()
	return run
}

// Wake wakes every blocked long-poll without enqueueing anything, used
// after a deregister signal is pushed so the target worker's poll notices
// it. It takes the queue lock, so it must not be called while that lock
// is held (RequestStop broadcasts on its own after pushStop).
func (q *Queue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Broadcast()
}

// Match implements the check-then-claim long-poll: it repeatedly scans
// for the first FIFO-ordered pending run whose demands w satisfies, and
// blocks on the condition variable until one appears or timeout elapses.
func (q *Queue) Match(w WorkerView, timeout time.Duration) *v1.Run {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if run := q.tryClaimLocked(w); run != nil {
			return run
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		// sync.Cond has no timed wait; approximate one with a timer that
		// broadcasts once when the remaining time runs out.
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()

		if time.Now().After(deadline) {
			if run := q.tryClaimLocked(w); run != nil {
				return run
			}
			return nil
		}
	}
}

func (q *Queue) tryClaimLocked(w WorkerView) *v1.Run {
	for _, id := range q.order {
		run := q.byID[id]
		if run.Status != v1.RunPending {
			continue
		}
		if !Matches(run.Demands, w) {
			continue
		}
		now := time.Now().UTC()
		run.Status = v1.RunClaimed
		run.WorkerID = w.WorkerID
		run.ClaimedAt = &now
		return run
	}
	return nil
}

// Get returns a run by id.
func (q *Queue) Get(runID string) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.byID[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	return run, nil
}

// GetBySession returns the active (non-terminal) run for a session, if any.
func (q *Queue) GetBySession(sessionID string) (*v1.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return q.byID[id], true
}

// ReportStarted transitions claimed->running, verifying worker ownership.
func (q *Queue) ReportStarted(workerID, runID string) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, err := q.ownedRunLocked(workerID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != v1.RunClaimed {
		return nil, apperrors.BadState("run", string(run.Status), "start")
	}
	now := time.Now().UTC()
	run.Status = v1.RunRunning
	run.StartedAt = &now
	return run, nil
}

// ReportCompleted transitions a run to completed and removes it from the
// active queue. Returns the run so the caller can drive session/callback
// updates outside this lock.
func (q *Queue) ReportCompleted(workerID, runID string) (*v1.Run, error) {
	return q.reportTerminal(workerID, runID, v1.RunCompleted, "")
}

// ReportFailed transitions a run to failed with the given error.
func (q *Queue) ReportFailed(workerID, runID, errMsg string) (*v1.Run, error) {
	return q.reportTerminal(workerID, runID, v1.RunFailed, errMsg)
}

// ReportStopped transitions a run to stopped, acknowledging a prior
// stop-command.
func (q *Queue) ReportStopped(workerID, runID string) (*v1.Run, error) {
	return q.reportTerminal(workerID, runID, v1.RunStopped, "")
}

func (q *Queue) reportTerminal(workerID, runID string, status v1.RunStatus, errMsg string) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, err := q.ownedRunLocked(workerID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, apperrors.BadState("run", string(run.Status), "report terminal for")
	}

	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errMsg
	q.removeLocked(runID)
	return run, nil
}

func (q *Queue) ownedRunLocked(workerID, runID string) (*v1.Run, error) {
	run, ok := q.byID[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	if run.WorkerID != workerID {
		return nil, apperrors.Forbidden("worker does not own this run")
	}
	return run, nil
}

// RequestStop implements §4.3's stop semantics. pushStop is invoked while
// still holding the queue lock — safe per the documented lock order
// (Run Queue sits above Stop Queue), and lets the caller push the
// stop-command atomically with the state transition.
func (q *Queue) RequestStop(runID string, pushStop func(workerID, runID string)) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.byID[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}

	switch run.Status {
	case v1.RunPending:
		now := time.Now().UTC()
		run.Status = v1.RunStopped
		run.CompletedAt = &now
		q.removeLocked(runID)
		return run, nil
	case v1.RunClaimed, v1.RunRunning:
		run.Status = v1.RunStopping
		if pushStop != nil {
			pushStop(run.WorkerID, run.RunID)
		}
		q.cond.Broadcast()
		return run, nil
	case v1.RunStopping:
		// Idempotent: a second stop request while already stopping
		// returns the same in-flight state without re-pushing.
		return run, nil
	case v1.RunStopped:
		// Already stopped: success, with no further side effects.
		return run, nil
	default:
		return nil, apperrors.BadState("run", string(run.Status), "stop")
	}
}

// SweepNoMatch fails every still-pending run whose no_match_deadline has
// passed, returning them for the caller to drive callback/session
// notifications outside this lock.
func (q *Queue) SweepNoMatch(now time.Time) []*v1.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*v1.Run
	for _, id := range q.order {
		run := q.byID[id]
		if run.Status != v1.RunPending || run.NoMatchDeadline == nil {
			continue
		}
		if now.Before(*run.NoMatchDeadline) {
			continue
		}
		run.Status = v1.RunFailed
		run.Error = "NoEligibleWorker"
		run.CompletedAt = &now
		expired = append(expired, run)
	}
	for _, run := range expired {
		q.removeLocked(run.RunID)
	}
	return expired
}

// FailRunsForWorker fails every claimed|running run owned by workerID
// with error WorkerLost, used when the Lifecycle Reaper removes a worker.
func (q *Queue) FailRunsForWorker(workerID string) []*v1.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var lost []*v1.Run
	now := time.Now().UTC()
	for _, id := range q.order {
		run := q.byID[id]
		if run.WorkerID != workerID {
			continue
		}
		if run.Status != v1.RunClaimed && run.Status != v1.RunRunning {
			continue
		}
		run.Status = v1.RunFailed
		run.Error = "WorkerLost"
		run.CompletedAt = &now
		lost = append(lost, run)
	}
	for _, run := range lost {
		q.removeLocked(run.RunID)
	}
	return lost
}

// removeLocked drops a run from the FIFO order and session index once it
// reaches a terminal state. The run itself stays in byID for a short
// audit window (callers may still Get() it) until evicted by EvictOld.
func (q *Queue) removeLocked(runID string) {
	for i, id := range q.order {
		if id == runID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if run, ok := q.byID[runID]; ok {
		delete(q.bySession, run.SessionID)
	}
}

// EvictOld drops terminal runs completed before the given cutoff from the
// byID/session audit window, bounding the queue's memory footprint.
func (q *Queue) EvictOld(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for id, run := range q.byID {
		if run.Status.IsTerminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			delete(q.byID, id)
			evicted++
		}
	}
	return evicted
}

// List returns a snapshot of every currently non-terminal run.
func (q *Queue) List() []*v1.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*v1.Run, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.byID[id])
	}
	return out
}
