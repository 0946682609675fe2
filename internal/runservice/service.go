// Package runservice composes the Session Store, Worker Registry, Run
// Queue, Stop-Command Queue, Demand Resolver, and Callback Processor
// into the operations the HTTP surface calls. It exists because §4.5/§9
// describe these as separate components communicating through a shared
// caller rather than through direct imports of one another — this is
// that caller, and it is where the documented lock order (Worker
// Registry → Run Queue → Stop Queue → Callback Processor → Session
// Store) is actually enforced by call sequencing.
package runservice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/coordinator/internal/common/errors"
	"github.com/kandev/coordinator/internal/common/logger"
	"github.com/kandev/coordinator/internal/demand"
	"github.com/kandev/coordinator/internal/runqueue"
	"github.com/kandev/coordinator/internal/session"
	"github.com/kandev/coordinator/internal/stopqueue"
	"github.com/kandev/coordinator/internal/worker"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// Callback is the subset of the Callback Processor the service drives.
type Callback interface {
	OnChildCompleted(childID, parentID string, parentStatus v1.SessionStatus, result string, failed bool, errMsg string)
	OnSessionStopped(sessionID string)
}

// Realtime is a best-effort sink for state-change notifications feeding
// the Realtime API (§6.3). Implementations must not block the caller.
type Realtime interface {
	NotifySessionCreated(s *v1.Session)
	NotifySessionChanged(s *v1.Session)
	NotifySessionDeleted(sessionID string)
	NotifyEvent(e v1.Event)
	NotifyRunFailed(run *v1.Run)
	NotifyWorkerRemoved(workerID string)
}

// SubmitRunRequest is the Client API's POST /runs body, already validated
// by the HTTP layer. Blueprint-level demand/script/executor-type fields
// travel with the request since blueprint persistence is out of scope
// for the Coordinator (§1) — the caller resolves blueprint content and
// hands the resulting demand fragments straight through.
type SubmitRunRequest struct {
	Type               v1.RunType
	SessionID          string // required for resume_session; ignored for start_session
	AgentName          string
	Parameters         map[string]interface{}
	ProjectDir         string
	ParentSessionID    string
	ExecutionMode      v1.ExecutionMode
	OwnerWorkerID      string
	BlueprintDemands   v1.Demands
	ScriptTags         []string
	ExecutorType       string
	AdditionalDemands  v1.Demands
}

// PollResult is the outcome of a worker's long-poll, mapping directly
// onto the three response shapes in §6.2.
type PollResult struct {
	Run          *v1.Run
	StopRunIDs   []string
	Deregistered bool
}

// Service wires every Coordinator component together.
type Service struct {
	sessions       session.Store
	workers        *worker.Registry
	runs           *runqueue.Queue
	stops          *stopqueue.Queue
	callback       Callback
	realtime       Realtime
	noMatchTimeout time.Duration
	longPollTO     time.Duration
	logger         *logger.Logger
}

// New constructs a Service. realtime may be nil.
func New(sessions session.Store, workers *worker.Registry, runs *runqueue.Queue, stops *stopqueue.Queue, cb Callback, realtime Realtime, noMatchTimeout, longPollTO time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		sessions:       sessions,
		workers:        workers,
		runs:           runs,
		stops:          stops,
		callback:       cb,
		realtime:       realtime,
		noMatchTimeout: noMatchTimeout,
		longPollTO:     longPollTO,
		logger:         log.WithFields(zap.String("component", "run-service")),
	}
}

// EnqueueResume implements callback.ResumeEnqueuer: it creates a
// resume_session run targeting parentSessionID, carrying prompt as the
// run's sole parameter and affinity-derived demands so the resume lands
// on the same worker/executor the parent session was bound to.
func (s *Service) EnqueueResume(parentSessionID, prompt string) error {
	_, err := s.SubmitRun(context.Background(), SubmitRunRequest{
		Type:          v1.RunResumeSession,
		SessionID:     parentSessionID,
		Parameters:    map[string]interface{}{"prompt": prompt},
		ExecutionMode: v1.ExecAsyncCallback,
	})
	return err
}

// SubmitRun implements POST /runs: it creates (or validates) the target
// session, resolves demands via the Demand Resolver, and enqueues the run.
func (s *Service) SubmitRun(ctx context.Context, req SubmitRunRequest) (*v1.Run, error) {
	var sessionID string
	var affinity session.Affinity

	switch req.Type {
	case v1.RunStartSession:
		sessionID = uuid.New().String()
		sess := &v1.Session{
			SessionID:       sessionID,
			Status:          v1.SessionPending,
			ProjectDir:      req.ProjectDir,
			AgentName:       req.AgentName,
			ParentSessionID: req.ParentSessionID,
			ExecutionMode:   req.ExecutionMode,
		}
		if req.ParentSessionID != "" {
			cyclic, err := s.sessions.WouldCycle(ctx, sessionID, req.ParentSessionID)
			if err != nil {
				return nil, err
			}
			if cyclic {
				return nil, apperrors.BadRequest("parent_session_id would introduce a cycle")
			}
		}
		if err := s.sessions.CreateSession(ctx, sess); err != nil {
			return nil, err
		}
	case v1.RunResumeSession:
		if req.SessionID == "" {
			return nil, apperrors.BadRequest("session_id is required for resume_session")
		}
		sessionID = req.SessionID
		sess, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status.IsTerminal() {
			return nil, apperrors.BadState("session", string(sess.Status), "resume")
		}
		a, err := s.sessions.GetAffinity(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		affinity = a
	default:
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown run type %q", req.Type))
	}

	ownerHostname, ownerProjectDir, ownerProfile := "", "", ""
	if req.OwnerWorkerID != "" {
		w, err := s.workers.Get(req.OwnerWorkerID)
		if err != nil {
			return nil, err
		}
		ownerHostname, ownerProjectDir, ownerProfile = w.Hostname, w.ProjectDir, w.ExecutorProfile
	}

	demands := demand.Resolve(demand.Inputs{
		OwnerWorkerID:           req.OwnerWorkerID,
		OwnerHostname:           ownerHostname,
		OwnerProjectDir:         ownerProjectDir,
		OwnerExecutorProfile:    ownerProfile,
		IsResume:                req.Type == v1.RunResumeSession,
		AffinityHostname:        affinity.Hostname,
		AffinityExecutorProfile: affinity.ExecutorProfile,
		Blueprint: demand.AgentBlueprint{
			Demands:      req.BlueprintDemands,
			ScriptTags:   req.ScriptTags,
			ExecutorType: req.ExecutorType,
		},
		Additional: req.AdditionalDemands,
	})

	run := &v1.Run{
		RunID:           uuid.New().String(),
		Type:            req.Type,
		SessionID:       sessionID,
		AgentName:       req.AgentName,
		Parameters:      req.Parameters,
		ProjectDir:      req.ProjectDir,
		ParentSessionID: req.ParentSessionID,
		ExecutionMode:   req.ExecutionMode,
		Demands:         demands,
	}
	run = s.runs.Enqueue(run, s.noMatchTimeout)
	return run, nil
}

// workerView builds a runqueue.WorkerView snapshot for matching.
func workerView(w *v1.Worker) runqueue.WorkerView {
	return runqueue.WorkerView{
		WorkerID:            w.WorkerID,
		Hostname:            w.Hostname,
		ProjectDir:          w.ProjectDir,
		ExecutorProfile:     w.ExecutorProfile,
		ExecutorType:        w.ExecutorType,
		Tags:                w.Tags,
		RequireMatchingTags: w.RequireMatchingTags,
	}
}

// Poll implements GET /worker/runs: it drains any stop-commands or
// deregister signal first (per §4.4, these preempt matching), then
// attempts to match a run, long-polling up to longPollTO.
func (s *Service) Poll(ctx context.Context, workerID string) (PollResult, error) {
	if runIDs, deregister := s.stops.Drain(workerID); len(runIDs) > 0 || deregister {
		if deregister {
			s.workers.ConfirmDeregistered(workerID)
			s.stops.Forget(workerID)
		}
		return PollResult{StopRunIDs: runIDs, Deregistered: deregister}, nil
	}

	w, err := s.workers.Get(workerID)
	if err != nil {
		return PollResult{}, err
	}

	run := s.runs.Match(workerView(w), s.longPollTO)
	if run == nil {
		return PollResult{}, nil
	}
	return PollResult{Run: run}, nil
}

// ReportStarted implements POST /worker/runs/{id}/started.
func (s *Service) ReportStarted(workerID, runID string) (*v1.Run, error) {
	return s.runs.ReportStarted(workerID, runID)
}

// ReportCompleted implements POST /worker/runs/{id}/completed.
func (s *Service) ReportCompleted(ctx context.Context, workerID, runID string) (*v1.Run, error) {
	run, err := s.runs.ReportCompleted(workerID, runID)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, run, false, "")
	return run, nil
}

// ReportFailed implements POST /worker/runs/{id}/failed.
func (s *Service) ReportFailed(ctx context.Context, workerID, runID, errMsg string) (*v1.Run, error) {
	run, err := s.runs.ReportFailed(workerID, runID, errMsg)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, run, true, errMsg)
	return run, nil
}

// ReportStopped implements POST /worker/runs/{id}/stopped.
func (s *Service) ReportStopped(ctx context.Context, workerID, runID string) (*v1.Run, error) {
	run, err := s.runs.ReportStopped(workerID, runID)
	if err != nil {
		return nil, err
	}
	s.afterTerminal(ctx, run, false, "")
	return run, nil
}

// afterTerminal drives the session status transition, session-result
// lookup, and Callback Processor hooks that must fire once a run reaches
// any terminal state. Callback failures are logged, never propagated:
// child completion must always succeed even when the parent resume
// cannot currently be enqueued.
func (s *Service) afterTerminal(ctx context.Context, run *v1.Run, failed bool, errMsg string) {
	switch run.Status {
	case v1.RunFailed:
		if err := s.sessions.SetStatus(ctx, run.SessionID, v1.SessionFailed); err != nil {
			s.logger.Error("failed to mark session failed", zap.String("session_id", run.SessionID), zap.Error(err))
		} else {
			s.NotifySessionTerminal(run.SessionID)
		}
	case v1.RunStopped:
		if err := s.sessions.SetStatus(ctx, run.SessionID, v1.SessionStopped); err != nil {
			s.logger.Error("failed to mark session stopped", zap.String("session_id", run.SessionID), zap.Error(err))
		} else {
			s.NotifySessionTerminal(run.SessionID)
		}
	}

	if s.realtime != nil && failed {
		s.realtime.NotifyRunFailed(run)
	}

	if run.ParentSessionID == "" || s.callback == nil {
		return
	}

	result := ""
	if !failed {
		text, found, err := s.sessions.GetResult(ctx, run.SessionID)
		if err != nil {
			s.logger.Error("failed to read session result for callback", zap.String("session_id", run.SessionID), zap.Error(err))
		} else if found {
			result = text
		}
	}

	parent, err := s.sessions.GetSession(ctx, run.ParentSessionID)
	if err != nil {
		s.logger.Error("failed to load parent session for callback", zap.String("parent_session_id", run.ParentSessionID), zap.Error(err))
		return
	}

	s.callback.OnChildCompleted(run.SessionID, run.ParentSessionID, parent.Status, result, failed, errMsg)
}

// NotifySessionTerminal must be called whenever a session (not just a
// run) reaches a terminal status — in particular on session_stop, which
// the Session Store handles internally on AppendEvent. The HTTP/event
// layer calls this after observing such a transition.
func (s *Service) NotifySessionTerminal(sessionID string) {
	if s.callback != nil {
		s.callback.OnSessionStopped(sessionID)
	}
}

// GetRun implements GET /runs/{run_id}.
func (s *Service) GetRun(runID string) (*v1.Run, error) {
	return s.runs.Get(runID)
}

// LongPollTimeout reports the worker long-poll timeout, surfaced to
// workers at registration so they can size their own HTTP client deadlines.
func (s *Service) LongPollTimeout() time.Duration {
	return s.longPollTO
}

// UpdateMetadata implements PATCH /sessions/{id}/metadata, applying only
// the fields the caller supplied.
func (s *Service) UpdateMetadata(ctx context.Context, sessionID string, projectDir, agentName *string, lastResumedAt *time.Time) error {
	return s.sessions.UpdateMetadata(ctx, sessionID, projectDir, agentName, lastResumedAt)
}

// RequestStop implements POST /sessions/{id}/stop by locating the
// session's active run and requesting it stop, then reflecting the run's
// resulting state onto the session itself: a pending run stops outright
// (no worker will ever report it terminal), while a claimed/running run
// only moves to stopping until the worker acknowledges.
func (s *Service) RequestStop(ctx context.Context, sessionID string) (*v1.Run, error) {
	run, ok := s.runs.GetBySession(sessionID)
	if !ok {
		return nil, apperrors.NotFound("active run for session", sessionID)
	}
	run, err := s.runs.RequestStop(run.RunID, func(workerID, runID string) {
		s.stops.Push(workerID, runID)
	})
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case v1.RunStopped:
		if err := s.sessions.SetStatus(ctx, sessionID, v1.SessionStopped); err != nil {
			s.logger.Error("failed to mark session stopped", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			s.NotifySessionTerminal(sessionID)
		}
	case v1.RunStopping:
		if err := s.sessions.SetStatus(ctx, sessionID, v1.SessionStopping); err != nil {
			s.logger.Error("failed to mark session stopping", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return run, nil
}

// RegisterWorker implements POST /worker/register.
func (s *Service) RegisterWorker(req worker.RegisterRequest) (*v1.Worker, error) {
	w, err := s.workers.Register(req)
	if err != nil {
		return nil, err
	}
	// A reconnection clears a pending deregistration signal; stop-commands
	// already queued for the worker stay queued.
	runIDs, _ := s.stops.Drain(w.WorkerID)
	for _, runID := range runIDs {
		s.stops.Push(w.WorkerID, runID)
	}
	return w, nil
}

// Heartbeat implements POST /worker/heartbeat.
func (s *Service) Heartbeat(workerID string) error {
	return s.workers.Heartbeat(workerID)
}

// DeregisterWorker implements DELETE /workers/{id}?self=true. It marks
// the worker pending-deregister and signals it through the Stop-Command
// Queue so the worker's next poll observes {deregistered:true}; the
// worker's record is only removed once the worker confirms.
func (s *Service) DeregisterWorker(workerID string) error {
	if err := s.workers.MarkDeregistered(workerID); err != nil {
		return err
	}
	s.stops.PushDeregister(workerID)
	s.runs.Wake()
	return nil
}

// BindExecutor implements POST /sessions/{id}/bind.
func (s *Service) BindExecutor(ctx context.Context, sessionID, executorSessionID, hostname, executorProfile, projectDir string) error {
	return s.sessions.BindExecutor(ctx, sessionID, executorSessionID, hostname, executorProfile, projectDir)
}

// AppendEvent implements POST /sessions/{id}/events, additionally
// notifying the Callback Processor when the event is a session_stop.
func (s *Service) AppendEvent(ctx context.Context, event v1.Event) error {
	if err := s.sessions.AppendEvent(ctx, event); err != nil {
		return err
	}
	if event.EventType == v1.EventSessionStop {
		s.NotifySessionTerminal(event.SessionID)
	}
	return nil
}
