package runqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

func TestMatches_HostnameProjectDirExecutorProfileExact(t *testing.T) {
	w := WorkerView{Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1"}

	assert.True(t, Matches(v1.Demands{Hostname: "h1"}, w))
	assert.False(t, Matches(v1.Demands{Hostname: "h2"}, w))
	assert.False(t, Matches(v1.Demands{ProjectDir: "/other"}, w))
	assert.False(t, Matches(v1.Demands{ExecutorProfile: "other"}, w))
}

func TestMatches_TagSuperset(t *testing.T) {
	w := WorkerView{Tags: []string{"gpu", "linux", "docker"}}
	assert.True(t, Matches(v1.Demands{Tags: []string{"gpu", "linux"}}, w))
	assert.False(t, Matches(v1.Demands{Tags: []string{"gpu", "windows"}}, w))
}

func TestMatches_RequireMatchingTagsNeedsIntersection(t *testing.T) {
	w := WorkerView{Tags: []string{"gpu"}, RequireMatchingTags: true}
	assert.False(t, Matches(v1.Demands{}, w), "no demand tags at all means no intersection")
	assert.True(t, Matches(v1.Demands{Tags: []string{"gpu"}}, w))
	assert.False(t, Matches(v1.Demands{Tags: []string{"cpu"}}, w))
}

func TestMatches_OwnerWorkerIDExclusivity(t *testing.T) {
	w := WorkerView{WorkerID: "wrk_a"}
	assert.True(t, Matches(v1.Demands{OwnerWorkerID: "wrk_a"}, w))
	assert.False(t, Matches(v1.Demands{OwnerWorkerID: "wrk_b"}, w))
}

func TestEnqueueAndMatch(t *testing.T) {
	q := New()
	run := q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	assert.Equal(t, v1.RunPending, run.Status)

	matched := q.Match(WorkerView{WorkerID: "wrk_1"}, 100*time.Millisecond)
	require.NotNil(t, matched)
	assert.Equal(t, "run_1", matched.RunID)
	assert.Equal(t, v1.RunClaimed, matched.Status)
	assert.Equal(t, "wrk_1", matched.WorkerID)
}

func TestMatch_RespectsFIFOOrder(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Enqueue(&v1.Run{RunID: "run_2", SessionID: "sess_2"}, time.Minute)

	first := q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)
	require.NotNil(t, first)
	assert.Equal(t, "run_1", first.RunID)
}

func TestMatch_TimesOutWhenNoRunSatisfiesDemands(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1", Demands: v1.Demands{Hostname: "only-this-host"}}, time.Minute)

	run := q.Match(WorkerView{WorkerID: "wrk_1", Hostname: "other-host"}, 50*time.Millisecond)
	assert.Nil(t, run)
}

func TestMatch_WakesOnLateEnqueue(t *testing.T) {
	q := New()

	done := make(chan *v1.Run, 1)
	go func() {
		done <- q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)

	select {
	case run := <-done:
		require.NotNil(t, run)
		assert.Equal(t, "run_1", run.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("Match did not wake up after a matching run was enqueued")
	}
}

func TestReportStarted_RejectsNonOwningWorker(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)

	_, err := q.ReportStarted("wrk_2", "run_1")
	assert.Error(t, err)
}

func TestReportCompleted_RemovesFromActiveQueueButKeepsForAudit(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)

	run, err := q.ReportCompleted("wrk_1", "run_1")
	require.NoError(t, err)
	assert.Equal(t, v1.RunCompleted, run.Status)

	assert.Empty(t, q.List(), "completed run must leave the FIFO order")

	still, err := q.Get("run_1")
	require.NoError(t, err, "terminal run stays gettable until evicted")
	assert.Equal(t, v1.RunCompleted, still.Status)

	_, ok := q.GetBySession("sess_1")
	assert.False(t, ok, "session index must drop a terminal run")
}

func TestRequestStop_PendingRunStopsImmediately(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)

	run, err := q.RequestStop("run_1", nil)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStopped, run.Status)
}

func TestRequestStop_RunningRunTransitionsToStoppingAndPushesStopCommand(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)
	q.ReportStarted("wrk_1", "run_1")

	var pushedWorker, pushedRun string
	run, err := q.RequestStop("run_1", func(workerID, runID string) {
		pushedWorker, pushedRun = workerID, runID
	})
	require.NoError(t, err)
	assert.Equal(t, v1.RunStopping, run.Status)
	assert.Equal(t, "wrk_1", pushedWorker)
	assert.Equal(t, "run_1", pushedRun)
}

func TestRequestStop_IsIdempotentWhileAlreadyStopping(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)
	q.ReportStarted("wrk_1", "run_1")

	pushes := 0
	push := func(string, string) { pushes++ }
	_, err := q.RequestStop("run_1", push)
	require.NoError(t, err)
	_, err = q.RequestStop("run_1", push)
	require.NoError(t, err)

	assert.Equal(t, 1, pushes, "a second stop request must not re-push the stop command")
}

func TestRequestStop_RejectsTerminalRun(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)
	q.ReportCompleted("wrk_1", "run_1")

	_, err := q.RequestStop("run_1", nil)
	assert.Error(t, err)
}

func TestSweepNoMatch_FailsExpiredPendingRuns(t *testing.T) {
	q := New()
	run := q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1", Demands: v1.Demands{Hostname: "h1"}}, time.Millisecond)
	require.NotNil(t, run.NoMatchDeadline)

	time.Sleep(5 * time.Millisecond)
	expired := q.SweepNoMatch(time.Now().UTC())
	require.Len(t, expired, 1)
	assert.Equal(t, v1.RunFailed, expired[0].Status)
	assert.Empty(t, q.List())
}

func TestFailRunsForWorker_OnlyFailsClaimedAndRunningRuns(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Enqueue(&v1.Run{RunID: "run_2", SessionID: "sess_2"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second) // claims run_1

	lost := q.FailRunsForWorker("wrk_1")
	require.Len(t, lost, 1)
	assert.Equal(t, "run_1", lost[0].RunID)
	assert.Equal(t, "WorkerLost", lost[0].Error)

	remaining := q.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, "run_2", remaining[0].RunID)
}

func TestEvictOld_DropsOnlyTerminalRunsPastCutoff(t *testing.T) {
	q := New()
	q.Enqueue(&v1.Run{RunID: "run_1", SessionID: "sess_1"}, time.Minute)
	q.Match(WorkerView{WorkerID: "wrk_1"}, time.Second)
	q.ReportCompleted("wrk_1", "run_1")

	evicted := q.EvictOld(time.Now().UTC().Add(time.Hour))
	assert.Equal(t, 1, evicted)

	_, err := q.Get("run_1")
	assert.Error(t, err)
}
