// Package reaper implements the Lifecycle Reaper (C8): a single
// ticker-driven background task sweeping stale/removed workers and
// past-deadline pending runs.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/coordinator/internal/common/logger"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// WorkerSweeper is satisfied by the Worker Registry.
type WorkerSweeper interface {
	LifecycleSweep(staleAfter, removeAfter time.Duration) (staleIDs, removedIDs []string)
}

// RunSweeper is satisfied by the Run Queue.
type RunSweeper interface {
	SweepNoMatch(now time.Time) []*v1.Run
	FailRunsForWorker(workerID string) []*v1.Run
	EvictOld(cutoff time.Time) int
}

// StopQueueForgetter is satisfied by the Stop-Command Queue.
type StopQueueForgetter interface {
	Forget(workerID string)
}

// CallbackNotifier is satisfied by the Callback Processor, invoked for
// every run the reaper fails so parents eventually observe the failure.
type CallbackNotifier interface {
	OnChildCompleted(childID, parentID string, parentStatus v1.SessionStatus, result string, failed bool, errMsg string)
}

// SessionLookup resolves a session's parent and status for the callback
// hook above.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (*v1.Session, error)
	SetStatus(ctx context.Context, sessionID string, status v1.SessionStatus) error
}

// RealtimeNotifier receives a best-effort notification for every state
// change the reaper causes.
type RealtimeNotifier interface {
	NotifyRunFailed(run *v1.Run)
	NotifyWorkerRemoved(workerID string)
}

// Config controls sweep thresholds and tick interval.
type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	RemoveAfter time.Duration
	AuditWindow time.Duration // how long terminal runs remain queryable
}

// Reaper owns the single background goroutine described in §4.8.
type Reaper struct {
	cfg       Config
	workers   WorkerSweeper
	runs      RunSweeper
	stopQueue StopQueueForgetter
	callback  CallbackNotifier
	sessions  SessionLookup
	realtime  RealtimeNotifier
	logger    *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Reaper. realtime may be nil.
func New(cfg Config, workers WorkerSweeper, runs RunSweeper, stopQueue StopQueueForgetter, cb CallbackNotifier, sessions SessionLookup, realtime RealtimeNotifier, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.Default()
	}
	return &Reaper{
		cfg:       cfg,
		workers:   workers,
		runs:      runs,
		stopQueue: stopQueue,
		callback:  cb,
		sessions:  sessions,
		realtime:  realtime,
		logger:    log.WithFields(zap.String("component", "reaper")),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the tick loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the loop to exit and waits for it.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	staleIDs, removedIDs := r.workers.LifecycleSweep(r.cfg.StaleAfter, r.cfg.RemoveAfter)
	for _, id := range staleIDs {
		r.logger.Info("worker went stale", zap.String("worker_id", id))
	}

	for _, id := range removedIDs {
		r.logger.Info("worker removed", zap.String("worker_id", id))
		r.stopQueue.Forget(id)
		lost := r.runs.FailRunsForWorker(id)
		for _, run := range lost {
			r.notifyRunFailure(ctx, run)
		}
		if r.realtime != nil {
			r.realtime.NotifyWorkerRemoved(id)
		}
	}

	expired := r.runs.SweepNoMatch(time.Now().UTC())
	for _, run := range expired {
		r.logger.Info("run failed: no eligible worker before deadline", zap.String("run_id", run.RunID))
		r.notifyRunFailure(ctx, run)
	}

	if r.cfg.AuditWindow > 0 {
		evicted := r.runs.EvictOld(time.Now().UTC().Add(-r.cfg.AuditWindow))
		if evicted > 0 {
			r.logger.Debug("evicted terminal runs from audit window", zap.Int("count", evicted))
		}
	}
}

func (r *Reaper) notifyRunFailure(ctx context.Context, run *v1.Run) {
	if r.sessions != nil {
		if err := r.sessions.SetStatus(ctx, run.SessionID, v1.SessionFailed); err != nil {
			r.logger.Warn("failed to mark session failed", zap.String("session_id", run.SessionID), zap.Error(err))
		}
	}
	if r.realtime != nil {
		r.realtime.NotifyRunFailed(run)
	}
	if run.ParentSessionID == "" || r.callback == nil || r.sessions == nil {
		return
	}

	parent, err := r.sessions.GetSession(ctx, run.ParentSessionID)
	if err != nil {
		r.logger.Warn("could not load parent session for callback", zap.String("parent_session_id", run.ParentSessionID), zap.Error(err))
		return
	}
	r.callback.OnChildCompleted(run.SessionID, run.ParentSessionID, parent.Status, "", true, run.Error)
}
