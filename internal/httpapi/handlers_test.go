package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/coordinator/internal/runqueue"
	"github.com/kandev/coordinator/internal/runservice"
	"github.com/kandev/coordinator/internal/session"
	"github.com/kandev/coordinator/internal/stopqueue"
	"github.com/kandev/coordinator/internal/worker"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

func newTestHandler(t *testing.T) (*Handler, session.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := runservice.New(store, worker.NewRegistry(), runqueue.New(), stopqueue.New(), nil, nil, time.Minute, 100*time.Millisecond, nil)
	return NewHandler(svc, store, nil), store
}

func doJSON(h gin.HandlerFunc, method, path string, body interface{}, params gin.Params) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	c.Request = httptest.NewRequest(method, path, reader)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params

	h(c)
	return w
}

func TestSubmitRun_ReturnsCreatedWithPendingRun(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(h.SubmitRun, http.MethodPost, "/runs", SubmitRunRequest{
		Type:      v1.RunStartSession,
		AgentName: "agent-a",
	}, nil)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, v1.RunPending, resp.Status)
}

func TestSubmitRun_BadJSONReturnsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader([]byte("{not json")))
	c.Request.Header.Set("Content-Type", "application/json")

	h.SubmitRun(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSession_NotFoundReturns404(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(h.GetSession, http.MethodGet, "/sessions/missing", nil, gin.Params{{Key: "id", Value: "missing"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSessionResult_RejectsUnfinishedSession(t *testing.T) {
	h, store := newTestHandler(t)

	w := doJSON(h.SubmitRun, http.MethodPost, "/runs", SubmitRunRequest{Type: v1.RunStartSession}, nil)
	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	_, err := store.GetSession(context.Background(), resp.SessionID)
	require.NoError(t, err)

	w2 := doJSON(h.GetSessionResult, http.MethodGet, "/sessions/"+resp.SessionID+"/result", nil, gin.Params{{Key: "id", Value: resp.SessionID}})
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestRegisterWorker_ReturnsWorkerIDAndPollEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(h.RegisterWorker, http.MethodPost, "/worker/register", RegisterWorkerRequest{
		Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1",
	}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp RegisterWorkerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.WorkerID)
	assert.Equal(t, "/worker/runs", resp.PollEndpoint)
}

func TestPollRuns_MissingWorkerIDReturnsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/worker/runs", nil)

	h.PollRuns(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPollRuns_NoContentWhenNothingToDeliver(t *testing.T) {
	h, _ := newTestHandler(t)

	wReg := doJSON(h.RegisterWorker, http.MethodPost, "/worker/register", RegisterWorkerRequest{
		Hostname: "h1", ProjectDir: "/d1", ExecutorProfile: "p1",
	}, nil)
	var reg RegisterWorkerResponse
	require.NoError(t, json.Unmarshal(wReg.Body.Bytes(), &reg))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/worker/runs?worker_id="+reg.WorkerID, nil)

	h.PollRuns(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
