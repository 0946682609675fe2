package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coordinator.db")
	store, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateSession_RejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}
	require.NoError(t, store.CreateSession(ctx, sess))
	assert.Equal(t, v1.SessionPending, sess.Status, "CreateSession must default status to pending")

	err := store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync})
	assert.Error(t, err)
}

func TestBindExecutor_TransitionsPendingToRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))

	require.NoError(t, store.BindExecutor(ctx, "sess_1", "exec_1", "host1", "profile1", "/proj"))

	got, err := store.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionRunning, got.Status)
	assert.Equal(t, "exec_1", got.ExecutorSessionID)
	assert.Equal(t, "host1", got.Hostname)
	assert.Equal(t, "/proj", got.ProjectDir)
}

func TestBindExecutor_RejectsTerminalSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))
	require.NoError(t, store.SetStatus(ctx, "sess_1", v1.SessionFailed))

	err := store.BindExecutor(ctx, "sess_1", "exec_1", "host1", "profile1", "/proj")
	assert.Error(t, err)
}

func TestAppendEvent_SessionStopTransitionsToFinished(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))
	require.NoError(t, store.BindExecutor(ctx, "sess_1", "exec_1", "host1", "profile1", "/proj"))

	require.NoError(t, store.AppendEvent(ctx, v1.Event{SessionID: "sess_1", EventType: v1.EventSessionStop}))

	got, err := store.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionFinished, got.Status)
}

func TestAppendEvent_UnknownSessionReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendEvent(context.Background(), v1.Event{SessionID: "sess_missing", EventType: "message"})
	assert.Error(t, err)
}

func TestGetResult_ReturnsNewestAssistantMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))

	require.NoError(t, store.AppendEvent(ctx, v1.Event{
		SessionID: "sess_1", EventType: "message",
		Payload: map[string]interface{}{"role": "assistant", "text": "first answer"},
	}))
	require.NoError(t, store.AppendEvent(ctx, v1.Event{
		SessionID: "sess_1", EventType: "message",
		Payload: map[string]interface{}{"role": "user", "text": "follow up"},
	}))
	require.NoError(t, store.AppendEvent(ctx, v1.Event{
		SessionID: "sess_1", EventType: "message",
		Payload: map[string]interface{}{"role": "assistant", "text": "second answer"},
	}))

	text, found, err := store.GetResult(ctx, "sess_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second answer", text)
}

func TestGetResult_NotFoundWhenNoAssistantMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))

	_, found, err := store.GetResult(ctx, "sess_1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateMetadata_AppliesOnlyNonNilFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync, ProjectDir: "/old", AgentName: "agent-a"}))

	newDir := "/new"
	require.NoError(t, store.UpdateMetadata(ctx, "sess_1", &newDir, nil, nil))

	got, err := store.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "/new", got.ProjectDir)
	assert.Equal(t, "agent-a", got.AgentName, "agent_name must be untouched when nil")
}

func TestUpdateMetadata_PersistsLastResumedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))

	resumedAt := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateMetadata(ctx, "sess_1", nil, nil, &resumedAt))

	got, err := store.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	require.NotNil(t, got.LastResumedAt)
	assert.True(t, resumedAt.Equal(*got.LastResumedAt))
}

func TestDeleteSession_CascadesEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))
	require.NoError(t, store.AppendEvent(ctx, v1.Event{SessionID: "sess_1", EventType: "message"}))

	require.NoError(t, store.DeleteSession(ctx, "sess_1"))

	_, err := store.GetSession(ctx, "sess_1")
	assert.Error(t, err)

	events, err := store.ListEvents(ctx, "sess_1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWouldCycle_DetectsDirectAndDeepCycles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "root", ExecutionMode: v1.ExecSync}))
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "child", ExecutionMode: v1.ExecSync, ParentSessionID: "root"}))
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "grandchild", ExecutionMode: v1.ExecSync, ParentSessionID: "child"}))

	cycle, err := store.WouldCycle(ctx, "root", "grandchild")
	require.NoError(t, err)
	assert.True(t, cycle, "reparenting root under its own grandchild is a cycle")

	cycle, err = store.WouldCycle(ctx, "root", "root")
	require.NoError(t, err)
	assert.True(t, cycle, "a session cannot be its own parent")

	noCycle, err := store.WouldCycle(ctx, "grandchild", "root")
	require.NoError(t, err)
	assert.False(t, noCycle)
}

func TestGetAffinity_ReturnsSessionRoutingFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &v1.Session{SessionID: "sess_1", ExecutionMode: v1.ExecSync}))
	require.NoError(t, store.BindExecutor(ctx, "sess_1", "exec_1", "host1", "profile1", "/proj"))

	aff, err := store.GetAffinity(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "host1", aff.Hostname)
	assert.Equal(t, "profile1", aff.ExecutorProfile)
	assert.Equal(t, "exec_1", aff.ExecutorSessionID)
}
