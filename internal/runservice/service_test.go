package runservice

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/coordinator/internal/runqueue"
	"github.com/kandev/coordinator/internal/session"
	"github.com/kandev/coordinator/internal/stopqueue"
	"github.com/kandev/coordinator/internal/worker"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

type fakeCallback struct {
	completedCalls []string
	stoppedCalls   []string
}

func (f *fakeCallback) OnChildCompleted(childID, parentID string, parentStatus v1.SessionStatus, result string, failed bool, errMsg string) {
	f.completedCalls = append(f.completedCalls, childID)
}
func (f *fakeCallback) OnSessionStopped(sessionID string) {
	f.stoppedCalls = append(f.stoppedCalls, sessionID)
}

func newTestService(t *testing.T) (*Service, session.Store) {
	t.Helper()
	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := New(store, worker.NewRegistry(), runqueue.New(), stopqueue.New(), &fakeCallback{}, nil, time.Minute, 100*time.Millisecond, nil)
	return svc, store
}

func TestSubmitRun_StartSessionCreatesSessionAndEnqueuesRun(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	run, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession, AgentName: "agent-a"})
	require.NoError(t, err)
	assert.Equal(t, v1.RunPending, run.Status)

	sess, err := store.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionPending, sess.Status)
}

func TestSubmitRun_ResumeSessionRejectsTerminalSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	run, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, run.SessionID, v1.SessionFailed))

	_, err = svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunResumeSession, SessionID: run.SessionID})
	assert.Error(t, err)
}

func TestSubmitRun_AcceptsFreshSessionUnderExistingParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	root, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession})
	require.NoError(t, err)

	_, err = svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession, ParentSessionID: root.SessionID})
	require.NoError(t, err, "a fresh session can't yet form a cycle with its own not-yet-created id")
}

func TestPollAndReportCompleted_TriggersCallbackOnlyForRunsWithAParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	parentRun, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession})
	require.NoError(t, err)

	childRun, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession, ParentSessionID: parentRun.SessionID})
	require.NoError(t, err)

	_, err = svc.RegisterWorker(worker.RegisterRequest{Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1"})
	require.NoError(t, err)
	w, err := svc.workers.Get(worker.DeriveWorkerID("h1", "/d1", "p1"))
	require.NoError(t, err)

	cb := svc.callback.(*fakeCallback)

	// FIFO: parentRun was enqueued first, so the first poll claims it.
	// It has no parent of its own, so completing it must not call back.
	first, err := svc.Poll(ctx, w.WorkerID)
	require.NoError(t, err)
	require.NotNil(t, first.Run)
	assert.Equal(t, parentRun.RunID, first.Run.RunID)
	_, err = svc.ReportStarted(w.WorkerID, first.Run.RunID)
	require.NoError(t, err)
	_, err = svc.ReportCompleted(ctx, w.WorkerID, first.Run.RunID)
	require.NoError(t, err)
	assert.Empty(t, cb.completedCalls)

	// The second poll claims childRun, whose parent is parentRun's
	// session; completing it must notify the callback processor.
	second, err := svc.Poll(ctx, w.WorkerID)
	require.NoError(t, err)
	require.NotNil(t, second.Run)
	assert.Equal(t, childRun.RunID, second.Run.RunID)
	_, err = svc.ReportStarted(w.WorkerID, second.Run.RunID)
	require.NoError(t, err)
	_, err = svc.ReportCompleted(ctx, w.WorkerID, second.Run.RunID)
	require.NoError(t, err)

	require.Len(t, cb.completedCalls, 1)
	assert.Equal(t, childRun.SessionID, cb.completedCalls[0])
}

func TestPoll_DeliversStopCommandsBeforeMatching(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession})
	require.NoError(t, err)
	_, err = svc.RegisterWorker(worker.RegisterRequest{Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1"})
	require.NoError(t, err)
	workerID := worker.DeriveWorkerID("h1", "/d1", "p1")

	svc.stops.Push(workerID, "run_x")

	result, err := svc.Poll(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_x"}, result.StopRunIDs)
	assert.Nil(t, result.Run, "a pending stop command must preempt run matching")
}

func TestDeregisterWorker_NextPollReturnsSignalAndRemovesRecord(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterWorker(worker.RegisterRequest{Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1"})
	require.NoError(t, err)
	workerID := worker.DeriveWorkerID("h1", "/d1", "p1")

	require.NoError(t, svc.DeregisterWorker(workerID))

	result, err := svc.Poll(context.Background(), workerID)
	require.NoError(t, err)
	assert.True(t, result.Deregistered)

	_, err = svc.workers.Get(workerID)
	assert.Error(t, err, "worker record must be removed as part of delivering the deregister signal")
}

func TestRequestStop_PendingRunStopsWithoutTouchingStopQueue(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	run, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession})
	require.NoError(t, err)

	stopped, err := svc.RequestStop(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStopped, stopped.Status)

	sess, err := store.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStopped, sess.Status, "stopping a pending run must transition the session to stopped")
}

func TestRequestStop_ClaimedRunMovesSessionToStopping(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	run, err := svc.SubmitRun(ctx, SubmitRunRequest{Type: v1.RunStartSession})
	require.NoError(t, err)
	_, err = svc.RegisterWorker(worker.RegisterRequest{Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1"})
	require.NoError(t, err)
	w, err := svc.workers.Get(worker.DeriveWorkerID("h1", "/d1", "p1"))
	require.NoError(t, err)

	polled, err := svc.Poll(ctx, w.WorkerID)
	require.NoError(t, err)
	require.NotNil(t, polled.Run)

	stopping, err := svc.RequestStop(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStopping, stopping.Status)

	sess, err := store.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStopping, sess.Status)

	_, err = svc.ReportStopped(ctx, w.WorkerID, run.RunID)
	require.NoError(t, err)

	sess, err = store.GetSession(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStopped, sess.Status)
}

func TestRequestStop_UnknownSessionReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RequestStop(context.Background(), "sess_missing")
	assert.Error(t, err)
}
