package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/coordinator/internal/common/config"
	"github.com/kandev/coordinator/internal/common/logger"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// Subjects published to by NATSPublisher. A second Coordinator instance,
// or any other interested service, subscribes to these directly instead
// of going through the WebSocket Hub.
const (
	SubjectSessionCreated = "coordinator.sessions.created"
	SubjectSessionChanged = "coordinator.sessions.changed"
	SubjectSessionDeleted = "coordinator.sessions.deleted"
	SubjectEvent          = "coordinator.sessions.events"
	SubjectRunFailed      = "coordinator.runs.failed"
	SubjectWorkerRemoved  = "coordinator.workers.removed"
)

// NATSPublisher fans realtime notifications out to NATS subjects,
// mirroring the Hub's broadcast but for consumers outside this process
// (a second Coordinator replica, an external dashboard, an audit
// pipeline). It implements the same notifier interfaces as Hub so the
// composition root can register both.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSPublisher dials NATS using cfg. Returns (nil, nil) when cfg.URL
// is empty: NATS fan-out is optional, and callers should skip wiring a
// nil publisher into the notifier chain.
func NewNATSPublisher(cfg config.NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if log == nil {
		log = logger.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return &NATSPublisher{conn: conn, logger: log.WithFields(zap.String("component", "nats-publisher"))}, nil
}

func (p *NATSPublisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to marshal realtime notification", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish realtime notification", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *NATSPublisher) NotifySessionCreated(s *v1.Session) { p.publish(SubjectSessionCreated, s) }

func (p *NATSPublisher) NotifySessionChanged(s *v1.Session) { p.publish(SubjectSessionChanged, s) }

func (p *NATSPublisher) NotifySessionDeleted(sessionID string) {
	p.publish(SubjectSessionDeleted, map[string]string{"session_id": sessionID})
}

func (p *NATSPublisher) NotifyEvent(e v1.Event) { p.publish(SubjectEvent, e) }

func (p *NATSPublisher) NotifyRunFailed(run *v1.Run) { p.publish(SubjectRunFailed, run) }

func (p *NATSPublisher) NotifyWorkerRemoved(workerID string) {
	p.publish(SubjectWorkerRemoved, map[string]string{"worker_id": workerID})
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("error draining NATS connection", zap.Error(err))
		p.conn.Close()
	}
}
