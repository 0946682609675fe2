package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/coordinator/internal/common/errors"
	"github.com/kandev/coordinator/internal/common/logger"
	"github.com/kandev/coordinator/internal/runservice"
	"github.com/kandev/coordinator/internal/session"
	"github.com/kandev/coordinator/internal/worker"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// Handler implements the Client API, Worker API, and realtime-adjacent
// plumbing described in §6.
type Handler struct {
	svc    *runservice.Service
	store  session.Store
	logger *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(svc *runservice.Service, store session.Store, log *logger.Logger) *Handler {
	return &Handler{svc: svc, store: store, logger: log}
}

func respondErr(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	c.JSON(status, gin.H{"detail": err.Error()})
}

// --- Client API ---

// SubmitRun handles POST /runs.
func (h *Handler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	run, err := h.svc.SubmitRun(c.Request.Context(), runservice.SubmitRunRequest{
		Type:              req.Type,
		SessionID:         req.SessionID,
		AgentName:         req.AgentName,
		Parameters:        req.Parameters,
		ProjectDir:        req.ProjectDir,
		ParentSessionID:   req.ParentSessionID,
		ExecutionMode:     req.ExecutionMode,
		OwnerWorkerID:     req.OwnerWorkerID,
		BlueprintDemands:  req.BlueprintDemands,
		ScriptTags:        req.ScriptTags,
		ExecutorType:      req.ExecutorType,
		AdditionalDemands: req.AdditionalDemands,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, SubmitRunResponse{RunID: run.RunID, SessionID: run.SessionID, Status: run.Status})
}

// GetRun handles GET /runs/:runId.
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	run, err := h.svc.GetRun(runID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetSessionStatus handles GET /sessions/:id/status.
func (h *Handler) GetSessionStatus(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": sess.Status})
}

// GetSessionResult handles GET /sessions/:id/result.
func (h *Handler) GetSessionResult(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if sess.Status != v1.SessionFinished {
		notFinished := apperrors.BadState("session", string(sess.Status), "read result of")
		notFinished.HTTPStatus = http.StatusBadRequest
		respondErr(c, notFinished)
		return
	}
	text, found, err := h.store.GetResult(c.Request.Context(), sessionID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !found {
		respondErr(c, apperrors.BadRequest("session has no result yet"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": text})
}

// GetSessionEvents handles GET /sessions/:id/events.
func (h *Handler) GetSessionEvents(c *gin.Context) {
	events, err := h.store.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// StopSession handles POST /sessions/:id/stop.
func (h *Handler) StopSession(c *gin.Context) {
	run, err := h.svc.RequestStop(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": run.Status})
}

// DeleteSession handles DELETE /sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.store.DeleteSession(c.Request.Context(), sessionID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": sessionID})
}

// UpdateSessionMetadata handles PATCH /sessions/:id/metadata.
func (h *Handler) UpdateSessionMetadata(c *gin.Context) {
	var req UpdateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	var lastResumedAt *time.Time
	if req.LastResumedAt != nil {
		parsed, err := time.Parse(time.RFC3339, *req.LastResumedAt)
		if err != nil {
			respondErr(c, apperrors.BadRequest("last_resumed_at must be RFC3339"))
			return
		}
		lastResumedAt = &parsed
	}

	if err := h.svc.UpdateMetadata(c.Request.Context(), c.Param("id"), req.ProjectDir, req.AgentName, lastResumedAt); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- Worker API ---

// RegisterWorker handles POST /worker/register.
func (h *Handler) RegisterWorker(c *gin.Context) {
	var req RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	w, err := h.svc.RegisterWorker(worker.RegisterRequest{
		Hostname:            req.Hostname,
		ProjectDir:          req.ProjectDir,
		ExecutorProfile:     req.ExecutorProfile,
		ExecutorType:        req.Executor,
		Tags:                req.Tags,
		RequireMatchingTags: req.RequireMatchingTags,
		OwnedAgents:         req.Agents,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, RegisterWorkerResponse{
		WorkerID:                 w.WorkerID,
		PollEndpoint:             "/worker/runs",
		PollTimeoutSeconds:       int(h.svc.LongPollTimeout().Seconds()),
		HeartbeatIntervalSeconds: int(h.svc.LongPollTimeout().Seconds()) / 2,
	})
}

// PollRuns handles GET /worker/runs?worker_id=….
func (h *Handler) PollRuns(c *gin.Context) {
	workerID := c.Query("worker_id")
	if workerID == "" {
		respondErr(c, apperrors.BadRequest("worker_id is required"))
		return
	}

	result, err := h.svc.Poll(c.Request.Context(), workerID)
	if err != nil {
		respondErr(c, err)
		return
	}

	switch {
	case result.Deregistered:
		c.JSON(http.StatusOK, gin.H{"deregistered": true})
	case len(result.StopRunIDs) > 0:
		c.JSON(http.StatusOK, gin.H{"stop_runs": result.StopRunIDs})
	case result.Run != nil:
		c.JSON(http.StatusOK, gin.H{"run": result.Run})
	default:
		c.Status(http.StatusNoContent)
	}
}

// ReportStarted handles POST /worker/runs/:runId/started.
func (h *Handler) ReportStarted(c *gin.Context) {
	var req WorkerIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	run, err := h.svc.ReportStarted(req.WorkerID, c.Param("runId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ReportCompleted handles POST /worker/runs/:runId/completed.
func (h *Handler) ReportCompleted(c *gin.Context) {
	var req RunCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	run, err := h.svc.ReportCompleted(c.Request.Context(), req.WorkerID, c.Param("runId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ReportFailed handles POST /worker/runs/:runId/failed.
func (h *Handler) ReportFailed(c *gin.Context) {
	var req RunFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	run, err := h.svc.ReportFailed(c.Request.Context(), req.WorkerID, c.Param("runId"), req.Error)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ReportStopped handles POST /worker/runs/:runId/stopped.
func (h *Handler) ReportStopped(c *gin.Context) {
	var req RunStoppedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	run, err := h.svc.ReportStopped(c.Request.Context(), req.WorkerID, c.Param("runId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// Heartbeat handles POST /worker/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req WorkerIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.svc.Heartbeat(req.WorkerID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BindExecutor handles POST /sessions/:id/bind.
func (h *Handler) BindExecutor(c *gin.Context) {
	var req BindExecutorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	sessionID := c.Param("id")
	if err := h.svc.BindExecutor(c.Request.Context(), sessionID, req.ExecutorSessionID, req.Hostname, req.ExecutorProfile, req.ProjectDir); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AppendEvent handles POST /sessions/:id/events.
func (h *Handler) AppendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	event := v1.Event{
		SessionID: c.Param("id"),
		EventType: req.EventType,
		Timestamp: time.Now().UTC(),
		Payload:   req.Payload,
	}
	if err := h.svc.AppendEvent(c.Request.Context(), event); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeregisterWorker handles DELETE /workers/:id?self=true.
func (h *Handler) DeregisterWorker(c *gin.Context) {
	workerID := c.Param("id")
	if err := h.svc.DeregisterWorker(workerID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
