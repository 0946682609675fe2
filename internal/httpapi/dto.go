package httpapi

import (
	"github.com/gin-gonic/gin"

	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// SubmitRunRequest is the JSON body for POST /runs.
type SubmitRunRequest struct {
	Type              v1.RunType             `json:"type" binding:"required"`
	SessionID         string                 `json:"session_id"`
	Parameters        map[string]interface{} `json:"parameters"`
	AgentName         string                 `json:"agent_name"`
	ProjectDir        string                 `json:"project_dir"`
	ParentSessionID   string                 `json:"parent_session_id"`
	ExecutionMode     v1.ExecutionMode       `json:"execution_mode"`
	OwnerWorkerID     string                 `json:"owner_worker_id"`
	BlueprintDemands  v1.Demands             `json:"blueprint_demands"`
	ScriptTags        []string               `json:"script_tags"`
	ExecutorType      string                 `json:"executor_type"`
	AdditionalDemands v1.Demands             `json:"additional_demands"`
}

// SubmitRunResponse is POST /runs's success body.
type SubmitRunResponse struct {
	RunID     string       `json:"run_id"`
	SessionID string       `json:"session_id"`
	Status    v1.RunStatus `json:"status"`
}

// RegisterWorkerRequest is the JSON body for POST /worker/register.
type RegisterWorkerRequest struct {
	Hostname            string           `json:"hostname" binding:"required"`
	ProjectDir          string           `json:"project_dir" binding:"required"`
	ExecutorProfile     string           `json:"executor_profile" binding:"required"`
	Executor            string           `json:"executor"`
	Tags                []string         `json:"tags"`
	RequireMatchingTags bool             `json:"require_matching_tags"`
	Agents              []v1.OwnedAgent  `json:"agents"`
}

// RegisterWorkerResponse is POST /worker/register's success body.
type RegisterWorkerResponse struct {
	WorkerID                string `json:"worker_id"`
	PollEndpoint            string `json:"poll_endpoint"`
	PollTimeoutSeconds      int    `json:"poll_timeout_seconds"`
	HeartbeatIntervalSeconds int   `json:"heartbeat_interval_seconds"`
}

// WorkerIDRequest is the common body shape for worker-identified actions
// (started, heartbeat) that carry no other payload.
type WorkerIDRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// RunCompletedRequest is the body for POST /worker/runs/{id}/completed.
type RunCompletedRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Status   string `json:"status"`
}

// RunFailedRequest is the body for POST /worker/runs/{id}/failed.
type RunFailedRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Error    string `json:"error"`
}

// RunStoppedRequest is the body for POST /worker/runs/{id}/stopped.
type RunStoppedRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Signal   string `json:"signal"`
}

// BindExecutorRequest is the body for POST /sessions/{id}/bind.
type BindExecutorRequest struct {
	ExecutorSessionID string `json:"executor_session_id" binding:"required"`
	Hostname          string `json:"hostname" binding:"required"`
	ExecutorProfile   string `json:"executor_profile" binding:"required"`
	ProjectDir        string `json:"project_dir"`
}

// AppendEventRequest is the body for POST /sessions/{id}/events.
type AppendEventRequest struct {
	EventType v1.EventType           `json:"event_type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
}

// UpdateMetadataRequest is the body for PATCH /sessions/{id}/metadata.
type UpdateMetadataRequest struct {
	ProjectDir    *string `json:"project_dir"`
	AgentName     *string `json:"agent_name"`
	LastResumedAt *string `json:"last_resumed_at"`
}

func sessionToResponse(s *v1.Session) gin.H {
	return gin.H{
		"session_id":          s.SessionID,
		"status":              s.Status,
		"created_at":          s.CreatedAt,
		"last_resumed_at":     s.LastResumedAt,
		"project_dir":         s.ProjectDir,
		"agent_name":          s.AgentName,
		"parent_session_id":   s.ParentSessionID,
		"execution_mode":      s.ExecutionMode,
		"hostname":            s.Hostname,
		"executor_profile":    s.ExecutorProfile,
		"executor_session_id": s.ExecutorSessionID,
	}
}
