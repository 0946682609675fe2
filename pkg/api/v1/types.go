// Package v1 defines the wire and storage types shared across the
// Coordinator's components: sessions, events, runs, workers, and demands.
package v1

import "time"

// SessionStatus is the closed set of lifecycle states for a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionFinished SessionStatus = "finished"
	SessionFailed   SessionStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStopped, SessionFinished, SessionFailed:
		return true
	default:
		return false
	}
}

// ExecutionMode controls how a caller expects to observe run progress.
type ExecutionMode string

const (
	ExecSync          ExecutionMode = "sync"
	ExecAsyncPoll     ExecutionMode = "async_poll"
	ExecAsyncCallback ExecutionMode = "async_callback"
)

// Session is a long-running agent conversation, identified by an
// opaque, coordinator-minted session_id.
type Session struct {
	SessionID         string        `json:"session_id"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	LastResumedAt     *time.Time    `json:"last_resumed_at,omitempty"`
	ProjectDir        string        `json:"project_dir,omitempty"`
	AgentName         string        `json:"agent_name,omitempty"`
	ParentSessionID   string        `json:"parent_session_id,omitempty"`
	ExecutionMode     ExecutionMode `json:"execution_mode"`
	Hostname          string        `json:"hostname,omitempty"`
	ExecutorProfile   string        `json:"executor_profile,omitempty"`
	ExecutorSessionID string        `json:"executor_session_id,omitempty"`
}

// EventType is the closed set of event kinds appended to a session's log.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventMessage      EventType = "message"
	EventToolUse      EventType = "tool_use"
	EventToolResult   EventType = "tool_result"
	EventSessionStop  EventType = "session_stop"
	EventError        EventType = "error"
)

// Event is an append-only record tied to a session.
type Event struct {
	SessionID string                 `json:"session_id"`
	EventType EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Role returns the event's "role" payload field, if present (used to
// recognize assistant messages that carry the session result).
func (e Event) Role() string {
	if e.Payload == nil {
		return ""
	}
	role, _ := e.Payload["role"].(string)
	return role
}

// Text returns the event's "text" payload field, if present.
func (e Event) Text() string {
	if e.Payload == nil {
		return ""
	}
	text, _ := e.Payload["text"].(string)
	return text
}

// RunType distinguishes starting a fresh session from resuming one.
type RunType string

const (
	RunStartSession  RunType = "start_session"
	RunResumeSession RunType = "resume_session"
)

// RunStatus is the closed set of lifecycle states for a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopping  RunStatus = "stopping"
	RunStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the run status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// Demands is the predicate a run attaches to itself to constrain which
// workers may claim it. Scalar fields are "set once, never overridden";
// Tags is always unioned across merge sources.
type Demands struct {
	Hostname         string   `json:"hostname,omitempty"`
	ProjectDir       string   `json:"project_dir,omitempty"`
	ExecutorProfile  string   `json:"executor_profile,omitempty"`
	ExecutorType     string   `json:"executor_type,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	OwnerWorkerID    string   `json:"owner_worker_id,omitempty"`
}

// IsEmpty reports whether no demand field has been set.
func (d Demands) IsEmpty() bool {
	return d.Hostname == "" && d.ProjectDir == "" && d.ExecutorProfile == "" &&
		d.ExecutorType == "" && len(d.Tags) == 0 && d.OwnerWorkerID == ""
}

// MergeDemands combines two Demands, with scalar fields from `base` taking
// precedence (never overridden if already set) and Tags always unioned.
// `overlay` supplies fields `base` left empty.
func MergeDemands(base, overlay Demands) Demands {
	out := base
	if out.Hostname == "" {
		out.Hostname = overlay.Hostname
	}
	if out.ProjectDir == "" {
		out.ProjectDir = overlay.ProjectDir
	}
	if out.ExecutorProfile == "" {
		out.ExecutorProfile = overlay.ExecutorProfile
	}
	if out.ExecutorType == "" {
		out.ExecutorType = overlay.ExecutorType
	}
	if out.OwnerWorkerID == "" {
		out.OwnerWorkerID = overlay.OwnerWorkerID
	}
	out.Tags = unionTags(base.Tags, overlay.Tags)
	return out
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range a {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range b {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Run is a unit of work enqueued for a worker to execute.
type Run struct {
	RunID            string                 `json:"run_id"`
	Type             RunType                `json:"type"`
	SessionID        string                 `json:"session_id"`
	AgentName        string                 `json:"agent_name,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	ProjectDir       string                 `json:"project_dir,omitempty"`
	ParentSessionID  string                 `json:"parent_session_id,omitempty"`
	ExecutionMode    ExecutionMode          `json:"execution_mode"`
	Demands          Demands                `json:"demands,omitempty"`
	Status           RunStatus              `json:"status"`
	WorkerID         string                 `json:"worker_id,omitempty"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ClaimedAt        *time.Time             `json:"claimed_at,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	NoMatchDeadline  *time.Time             `json:"no_match_deadline,omitempty"`
}

// WorkerStatus is the closed set of lifecycle states for a Worker.
type WorkerStatus string

const (
	WorkerOnline WorkerStatus = "online"
	WorkerStale  WorkerStatus = "stale"
)

// OwnedAgent is an agent blueprint exclusively claimable by the worker
// that registered it.
type OwnedAgent struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Command         string                 `json:"command,omitempty"`
	ParametersSchema map[string]interface{} `json:"parameters_schema,omitempty"`
	OutputSchema     map[string]interface{} `json:"output_schema,omitempty"`
}

// Worker is a registered remote process that consumes runs by polling.
type Worker struct {
	WorkerID            string       `json:"worker_id"`
	Hostname            string       `json:"hostname"`
	ProjectDir          string       `json:"project_dir"`
	ExecutorProfile     string       `json:"executor_profile"`
	ExecutorType        string       `json:"executor_type"`
	Status              WorkerStatus `json:"status"`
	RegisteredAt        time.Time    `json:"registered_at"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	Tags                []string     `json:"tags,omitempty"`
	RequireMatchingTags bool         `json:"require_matching_tags"`
	OwnedAgents         []OwnedAgent `json:"owned_agents,omitempty"`
	PendingDeregister   bool         `json:"-"`
}
