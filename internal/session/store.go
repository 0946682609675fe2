// Package session implements the Session Store: the durable record of
// sessions, their append-only event log, and the parent/child forest that
// ties child sessions back to the runs that spawned them.
package session

import (
	"context"
	"time"

	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// Affinity is the subset of session fields that pin a resumed run to the
// same worker and executor that originally served the session.
type Affinity struct {
	Hostname          string
	ProjectDir        string
	ExecutorProfile   string
	ExecutorSessionID string
}

// ChangeNotifier receives a best-effort callback after every committed
// mutation, feeding the realtime stream. Implementations must not block.
type ChangeNotifier interface {
	NotifySessionCreated(session *v1.Session)
	NotifySessionChanged(session *v1.Session)
	NotifySessionDeleted(sessionID string)
	NotifyEvent(event v1.Event)
}

// Store is the Session Store's contract. All mutating methods run inside
// a single-writer transaction; reads may proceed concurrently.
type Store interface {
	// CreateSession inserts a new session row with status pending. Returns
	// an AlreadyExists AppError if session_id collides.
	CreateSession(ctx context.Context, s *v1.Session) error

	// BindExecutor idempotently attaches executor identity to a session
	// and transitions pending->running. Fails with BadState if the
	// session is already terminal.
	BindExecutor(ctx context.Context, sessionID, executorSessionID, hostname, executorProfile, projectDir string) error

	// AppendEvent appends an event to a session's log. Fails with
	// NotFound if the session doesn't exist. A session_stop event
	// atomically transitions the session to finished.
	AppendEvent(ctx context.Context, event v1.Event) error

	// SetStatus transitions a session to a new status, enforcing the
	// allowed-transition table.
	SetStatus(ctx context.Context, sessionID string, status v1.SessionStatus) error

	// GetResult returns the text of the most recent role=assistant
	// message event, or "" with found=false if none exists yet.
	GetResult(ctx context.Context, sessionID string) (text string, found bool, err error)

	// GetByExecutorSessionID resolves a worker-side executor session id
	// back to the owning Coordinator session, for affinity lookups.
	GetByExecutorSessionID(ctx context.Context, executorSessionID string) (*v1.Session, error)

	// GetSession returns a single session by id.
	GetSession(ctx context.Context, sessionID string) (*v1.Session, error)

	// ListSessions returns all sessions, most recently created first.
	ListSessions(ctx context.Context) ([]*v1.Session, error)

	// ListEvents returns a session's event log in append order.
	ListEvents(ctx context.Context, sessionID string) ([]v1.Event, error)

	// DeleteSession removes a session and cascades its events.
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteAll removes every session and event. Used by test harnesses
	// and administrative resets.
	DeleteAll(ctx context.Context) error

	// UpdateMetadata applies whichever of projectDir/agentName/
	// lastResumedAt are non-nil to the session, leaving the rest untouched.
	UpdateMetadata(ctx context.Context, sessionID string, projectDir, agentName *string, lastResumedAt *time.Time) error

	// GetAffinity returns the routing affinity for resume_session runs.
	GetAffinity(ctx context.Context, sessionID string) (Affinity, error)

	// WouldCycle reports whether setting child's parent to candidateParent
	// would introduce a cycle in the parent/child forest, by walking the
	// full ancestor chain of candidateParent looking for child.
	WouldCycle(ctx context.Context, child, candidateParent string) (bool, error)

	Close() error
}

// allowedTransitions enumerates the status transitions the store accepts
// from SetStatus. Terminal statuses admit no further transitions.
var allowedTransitions = map[v1.SessionStatus]map[v1.SessionStatus]bool{
	v1.SessionPending: {
		v1.SessionRunning:  true,
		v1.SessionStopping: true,
		v1.SessionStopped:  true,
		v1.SessionFailed:   true,
	},
	v1.SessionRunning: {
		v1.SessionStopping: true,
		v1.SessionStopped:  true,
		v1.SessionFinished: true,
		v1.SessionFailed:   true,
	},
	v1.SessionStopping: {
		v1.SessionStopped: true,
		v1.SessionFailed:  true,
	},
}

func transitionAllowed(from, to v1.SessionStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return allowedTransitions[from][to]
}
