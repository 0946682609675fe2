package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/coordinator/internal/callback"
	"github.com/kandev/coordinator/internal/common/config"
	"github.com/kandev/coordinator/internal/common/logger"
	"github.com/kandev/coordinator/internal/httpapi"
	"github.com/kandev/coordinator/internal/reaper"
	"github.com/kandev/coordinator/internal/realtime"
	"github.com/kandev/coordinator/internal/runqueue"
	"github.com/kandev/coordinator/internal/runservice"
	"github.com/kandev/coordinator/internal/session"
	"github.com/kandev/coordinator/internal/stopqueue"
	"github.com/kandev/coordinator/internal/worker"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Coordinator service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the Session Store
	sessionNotifier := &lazyNotifier{}
	sessionStore, err := session.NewSQLiteStore(cfg.DB.Path, sessionNotifier)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer sessionStore.Close()
	log.Info("Session store ready", zap.String("path", cfg.DB.Path))

	// 4. Build the Realtime Hub, then back-fill the Session Store's
	// change notifier now that the hub exists (the Hub itself needs the
	// Session Store to build init snapshots, so the two are wired in
	// two steps rather than passed to each other's constructors). When
	// NATS_URL is configured, notifications fan out to both the
	// in-process Hub and a NATS publisher so other Coordinator replicas
	// (or an external dashboard/audit pipeline) can subscribe directly.
	hub := realtime.NewHub(sessionStore, log)
	natsPublisher, err := realtime.NewNATSPublisher(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	// natsPublisher is a concrete *NATSPublisher; a nil one must not be
	// wrapped into the Notifier interface (a nil pointer boxed in an
	// interface is itself non-nil), so it's only appended when present.
	sinks := []realtime.Notifier{hub}
	if natsPublisher != nil {
		defer natsPublisher.Close()
		log.Info("NATS fan-out enabled", zap.String("url", cfg.NATS.URL))
		sinks = append(sinks, natsPublisher)
	}
	notifier := realtime.NewFanout(sinks...)
	sessionNotifier.target = notifier

	// 5. Worker Registry, Run Queue, Stop-Command Queue
	workers := worker.NewRegistry()
	runs := runqueue.New()
	stops := stopqueue.New()

	// 6. Callback Processor (needs the run service for resume enqueuing,
	// so it's constructed with a forwarding shim and wired after New).
	svcHolder := &serviceHolder{}
	cb := callback.New(resumeEnqueuerFunc(func(parentID, prompt string) error {
		return svcHolder.svc.EnqueueResume(parentID, prompt)
	}), log)

	// 7. Compose the Run Service
	svc := runservice.New(sessionStore, workers, runs, stops, cb, notifier,
		cfg.Queue.NoMatchTimeoutDuration(), cfg.Queue.LongPollDuration(), log)
	svcHolder.svc = svc

	// 8. Lifecycle Reaper
	r := reaper.New(reaper.Config{
		Interval:    cfg.Reaper.Interval(),
		StaleAfter:  cfg.Worker.StaleAfterDuration(),
		RemoveAfter: cfg.Worker.RemoveAfterDuration(),
		AuditWindow: 24 * time.Hour,
	}, workers, runs, stops, cb, sessionStore, notifier, log)
	r.Start(ctx)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	httpapi.SetupRoutes(router, svc, sessionStore, hub, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	var group errgroup.Group
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Coordinator service...")
	cancel()
	r.Stop()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		log.Error("server group returned an error", zap.Error(err))
	}

	log.Info("Coordinator service stopped")
}

// lazyNotifier forwards session.ChangeNotifier calls to target once set,
// breaking the construction cycle between the Session Store (needed to
// build the Hub) and the Hub (the Store's notifier).
type lazyNotifier struct {
	target session.ChangeNotifier
}

func (n *lazyNotifier) NotifySessionCreated(s *v1.Session) {
	if n.target != nil {
		n.target.NotifySessionCreated(s)
	}
}

func (n *lazyNotifier) NotifySessionChanged(s *v1.Session) {
	if n.target != nil {
		n.target.NotifySessionChanged(s)
	}
}

func (n *lazyNotifier) NotifySessionDeleted(sessionID string) {
	if n.target != nil {
		n.target.NotifySessionDeleted(sessionID)
	}
}

func (n *lazyNotifier) NotifyEvent(e v1.Event) {
	if n.target != nil {
		n.target.NotifyEvent(e)
	}
}

type resumeEnqueuerFunc func(parentSessionID, prompt string) error

func (f resumeEnqueuerFunc) EnqueueResume(parentSessionID, prompt string) error {
	return f(parentSessionID, prompt)
}

// serviceHolder breaks the construction cycle between the Callback
// Processor (needs to enqueue resumes through the Run Service) and the
// Run Service (needs the Callback Processor as a dependency).
type serviceHolder struct {
	svc *runservice.Service
}
