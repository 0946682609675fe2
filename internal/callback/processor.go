// Package callback implements the Callback Processor (C5): it turns
// child-session completion into parent-resume runs, queuing results for
// busy parents and aggregating them once the parent goes idle.
package callback

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/coordinator/internal/common/logger"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// childResult is one queued notification awaiting delivery to a parent.
type childResult struct {
	childID string
	result  string
	failed  bool
	errMsg  string
}

// ResumeEnqueuer enqueues a resume_session run targeting a session with
// the given prompt. Implemented by the run-service composition layer so
// this package stays free of Run Queue / Demand Resolver imports.
type ResumeEnqueuer interface {
	EnqueueResume(parentSessionID, prompt string) error
}

// Processor holds the pending-notification and in-flight-resume state
// described in §4.5, guarded by a single mutex.
type Processor struct {
	mu              sync.Mutex
	pending         map[string][]childResult
	resumeInFlight  map[string]struct{}
	enqueuer        ResumeEnqueuer
	logger          *logger.Logger
}

// New constructs a Processor. enqueuer may be nil only in tests that
// inspect pending state directly.
func New(enqueuer ResumeEnqueuer, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Default()
	}
	return &Processor{
		pending:        make(map[string][]childResult),
		resumeInFlight: make(map[string]struct{}),
		enqueuer:       enqueuer,
		logger:         log.WithFields(zap.String("component", "callback_processor")),
	}
}

// OnChildCompleted handles a child session's terminal event (success,
// failure, stop, or no-match-fail). parentStatus is the parent's current
// session status, read by the caller just before this call.
func (p *Processor) OnChildCompleted(childID, parentID string, parentStatus v1.SessionStatus, result string, failed bool, errMsg string) {
	if childID == parentID {
		p.logger.Warn("dropping self-loop callback", zap.String("session_id", childID))
		return
	}

	cr := childResult{childID: childID, result: result, failed: failed, errMsg: errMsg}

	var deliverNow bool
	p.mu.Lock()
	if _, inFlight := p.resumeInFlight[parentID]; inFlight {
		p.pending[parentID] = append(p.pending[parentID], cr)
	} else if parentStatus == v1.SessionFinished {
		p.resumeInFlight[parentID] = struct{}{}
		deliverNow = true
	} else {
		p.pending[parentID] = append(p.pending[parentID], cr)
	}
	p.mu.Unlock()

	if deliverNow {
		prompt := buildSinglePrompt(cr)
		p.enqueue(parentID, prompt)
	}
}

// OnSessionStopped handles any session reaching a terminal state. It
// clears the in-flight flag and, if notifications queued up while the
// session was busy, flushes them as one aggregated resume run.
func (p *Processor) OnSessionStopped(sessionID string) {
	p.mu.Lock()
	delete(p.resumeInFlight, sessionID)

	queued := p.pending[sessionID]
	var flush bool
	if len(queued) > 0 {
		delete(p.pending, sessionID)
		p.resumeInFlight[sessionID] = struct{}{}
		flush = true
	}
	p.mu.Unlock()

	if !flush {
		return
	}

	var prompt string
	if len(queued) == 1 {
		prompt = buildSinglePrompt(queued[0])
	} else {
		prompt = buildAggregatedPrompt(queued)
	}
	p.enqueue(sessionID, prompt)
}

func (p *Processor) enqueue(parentID, prompt string) {
	if p.enqueuer == nil {
		return
	}
	if err := p.enqueuer.EnqueueResume(parentID, prompt); err != nil {
		p.logger.Error("failed to enqueue resume run", zap.String("parent_session_id", parentID), zap.Error(err))
	}
}

// The three prompt templates below are reproduced verbatim; external
// agents parse this exact text, so the literal wording and whitespace
// must not change.

func buildSinglePrompt(c childResult) string {
	if c.failed {
		return fmt.Sprintf(
			"The child agent session \"%s\" has failed.\n\n## Error\n\n%s\n\nPlease handle this failure and continue with the orchestration.",
			c.childID, c.errMsg,
		)
	}
	return fmt.Sprintf(
		"The child agent session \"%s\" has completed.\n\n## Child Result\n\n%s\n\nPlease continue with the orchestration based on this result.",
		c.childID, c.result,
	)
}

func buildAggregatedPrompt(children []childResult) string {
	sections := make([]string, 0, len(children))
	for _, c := range children {
		status := "completed"
		text := c.result
		if c.failed {
			status = "FAILED"
			text = c.errMsg
		}
		sections = append(sections, fmt.Sprintf("### Child: %s (%s)\n\n%s", c.childID, status, text))
	}

	var b strings.Builder
	b.WriteString("Multiple child agent sessions have completed.\n\n")
	b.WriteString(strings.Join(sections, "\n\n---\n\n"))
	b.WriteString("\n\nPlease continue with the orchestration based on these results.")
	return b.String()
}
