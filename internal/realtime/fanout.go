package realtime

import v1 "github.com/kandev/coordinator/pkg/api/v1"

// Notifier is the common shape both Hub and NATSPublisher implement; it
// matches session.ChangeNotifier plus runservice.Realtime exactly, so
// either can stand in as the sole sink.
type Notifier interface {
	NotifySessionCreated(s *v1.Session)
	NotifySessionChanged(s *v1.Session)
	NotifySessionDeleted(sessionID string)
	NotifyEvent(e v1.Event)
	NotifyRunFailed(run *v1.Run)
	NotifyWorkerRemoved(workerID string)
}

// Fanout broadcasts every notification to each wired sink in order. Used
// by the composition root to register the in-process Hub and the
// optional NATS publisher behind one interface.
type Fanout struct {
	sinks []Notifier
}

// NewFanout constructs a Fanout, silently dropping nil interface values.
// A nil concrete pointer (such as a nil *NATSPublisher) wrapped in the
// Notifier interface is not nil and is kept, so callers check optional
// publishers before passing them.
func NewFanout(sinks ...Notifier) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) NotifySessionCreated(s *v1.Session) {
	for _, sink := range f.sinks {
		sink.NotifySessionCreated(s)
	}
}

func (f *Fanout) NotifySessionChanged(s *v1.Session) {
	for _, sink := range f.sinks {
		sink.NotifySessionChanged(s)
	}
}

func (f *Fanout) NotifySessionDeleted(sessionID string) {
	for _, sink := range f.sinks {
		sink.NotifySessionDeleted(sessionID)
	}
}

func (f *Fanout) NotifyEvent(e v1.Event) {
	for _, sink := range f.sinks {
		sink.NotifyEvent(e)
	}
}

func (f *Fanout) NotifyRunFailed(run *v1.Run) {
	for _, sink := range f.sinks {
		sink.NotifyRunFailed(run)
	}
}

func (f *Fanout) NotifyWorkerRemoved(workerID string) {
	for _, sink := range f.sinks {
		sink.NotifyWorkerRemoved(workerID)
	}
}
