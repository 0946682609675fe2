package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/coordinator/internal/common/logger"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

type fakeWorkerSweeper struct {
	staleIDs, removedIDs []string
}

func (f *fakeWorkerSweeper) LifecycleSweep(staleAfter, removeAfter time.Duration) ([]string, []string) {
	return f.staleIDs, f.removedIDs
}

type fakeRunSweeper struct {
	expired      []*v1.Run
	lostByWorker map[string][]*v1.Run
	evictCount   int
	evictCalls   int
}

func (f *fakeRunSweeper) SweepNoMatch(now time.Time) []*v1.Run { return f.expired }
func (f *fakeRunSweeper) FailRunsForWorker(workerID string) []*v1.Run {
	return f.lostByWorker[workerID]
}
func (f *fakeRunSweeper) EvictOld(cutoff time.Time) int {
	f.evictCalls++
	return f.evictCount
}

type fakeForgetter struct {
	forgotten []string
}

func (f *fakeForgetter) Forget(workerID string) { f.forgotten = append(f.forgotten, workerID) }

type fakeCallbackNotifier struct {
	calls []string
}

func (f *fakeCallbackNotifier) OnChildCompleted(childID, parentID string, parentStatus v1.SessionStatus, result string, failed bool, errMsg string) {
	f.calls = append(f.calls, childID)
}

type fakeSessionLookup struct {
	sessions     map[string]*v1.Session
	statusCalls  map[string]v1.SessionStatus
}

func (f *fakeSessionLookup) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	return f.sessions[sessionID], nil
}
func (f *fakeSessionLookup) SetStatus(ctx context.Context, sessionID string, status v1.SessionStatus) error {
	if f.statusCalls == nil {
		f.statusCalls = make(map[string]v1.SessionStatus)
	}
	f.statusCalls[sessionID] = status
	return nil
}

type fakeRealtime struct {
	failedRuns     []string
	removedWorkers []string
}

func (f *fakeRealtime) NotifyRunFailed(run *v1.Run)        { f.failedRuns = append(f.failedRuns, run.RunID) }
func (f *fakeRealtime) NotifyWorkerRemoved(workerID string) { f.removedWorkers = append(f.removedWorkers, workerID) }

func TestTick_RemovedWorkerForgetsMailboxAndFailsItsRuns(t *testing.T) {
	workers := &fakeWorkerSweeper{removedIDs: []string{"wrk_1"}}
	lostRun := &v1.Run{RunID: "run_1", SessionID: "sess_1"}
	runs := &fakeRunSweeper{lostByWorker: map[string][]*v1.Run{"wrk_1": {lostRun}}}
	forgetter := &fakeForgetter{}
	sessions := &fakeSessionLookup{sessions: map[string]*v1.Session{}}
	rt := &fakeRealtime{}

	r := New(Config{}, workers, runs, forgetter, nil, sessions, rt, logger.Default())
	r.tick(context.Background())

	assert.Equal(t, []string{"wrk_1"}, forgetter.forgotten)
	assert.Equal(t, []string{"wrk_1"}, rt.removedWorkers)
	assert.Equal(t, []string{"run_1"}, rt.failedRuns)
	assert.Equal(t, v1.SessionFailed, sessions.statusCalls["sess_1"], "a WorkerLost run must mark its own session failed")
}

func TestTick_ExpiredRunWithParentTriggersCallback(t *testing.T) {
	workers := &fakeWorkerSweeper{}
	expiredRun := &v1.Run{RunID: "run_1", SessionID: "child_sess", ParentSessionID: "parent_sess", Error: "NoEligibleWorker"}
	runs := &fakeRunSweeper{expired: []*v1.Run{expiredRun}}
	cb := &fakeCallbackNotifier{}
	sessions := &fakeSessionLookup{sessions: map[string]*v1.Session{
		"parent_sess": {SessionID: "parent_sess", Status: v1.SessionFinished},
	}}
	rt := &fakeRealtime{}

	r := New(Config{}, workers, runs, &fakeForgetter{}, cb, sessions, rt, logger.Default())
	r.tick(context.Background())

	require.Len(t, cb.calls, 1)
	assert.Equal(t, "child_sess", cb.calls[0])
	assert.Equal(t, []string{"run_1"}, rt.failedRuns)
	assert.Equal(t, v1.SessionFailed, sessions.statusCalls["child_sess"])
}

func TestTick_ExpiredRunWithoutParentSkipsCallback(t *testing.T) {
	runs := &fakeRunSweeper{expired: []*v1.Run{{RunID: "run_1", SessionID: "sess_1"}}}
	cb := &fakeCallbackNotifier{}

	r := New(Config{}, &fakeWorkerSweeper{}, runs, &fakeForgetter{}, cb, &fakeSessionLookup{sessions: map[string]*v1.Session{}}, nil, logger.Default())
	r.tick(context.Background())

	assert.Empty(t, cb.calls)
}

func TestTick_EvictsOldRunsWhenAuditWindowConfigured(t *testing.T) {
	runs := &fakeRunSweeper{evictCount: 3}
	r := New(Config{AuditWindow: time.Hour}, &fakeWorkerSweeper{}, runs, &fakeForgetter{}, nil, nil, nil, logger.Default())
	r.tick(context.Background())
	// EvictOld's return is only logged, so the test checks that the sweep
	// asked the Run Queue to evict, with nil optional deps.
	assert.Equal(t, 1, runs.evictCalls)
}

func TestStartAndStop_LoopExitsCleanly(t *testing.T) {
	r := New(Config{Interval: 5 * time.Millisecond}, &fakeWorkerSweeper{}, &fakeRunSweeper{}, &fakeForgetter{}, nil, nil, nil, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}
