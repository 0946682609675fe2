package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/coordinator/internal/common/config"
	"github.com/kandev/coordinator/internal/common/logger"
	"github.com/kandev/coordinator/internal/realtime"
	"github.com/kandev/coordinator/internal/runservice"
	"github.com/kandev/coordinator/internal/session"
)

// SetupRoutes wires the Client API, Worker API, and Realtime API onto
// router, applying the shared middleware chain described in §4.6.
func SetupRoutes(router *gin.Engine, svc *runservice.Service, store session.Store, hub *realtime.Hub, cfg *config.Config, log *logger.Logger) {
	router.Use(RequestLogger(log))
	router.Use(Recovery(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS(cfg.CORS.Origins))

	handler := NewHandler(svc, store, log)

	auth := func() gin.HandlerFunc {
		if cfg.Auth.Enabled {
			return AuthRequired(cfg.Auth.Token)
		}
		return func(c *gin.Context) { c.Next() }
	}()

	// Client API
	runs := router.Group("/runs")
	runs.Use(auth)
	{
		runs.POST("", handler.SubmitRun)
		runs.GET("/:runId", handler.GetRun)
	}

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:id", handler.GetSession)
		sessions.GET("/:id/status", handler.GetSessionStatus)
		sessions.GET("/:id/result", handler.GetSessionResult)
		sessions.GET("/:id/events", handler.GetSessionEvents)

		mutating := sessions.Group("")
		mutating.Use(auth)
		{
			mutating.POST("/:id/stop", handler.StopSession)
			mutating.DELETE("/:id", handler.DeleteSession)
			mutating.PATCH("/:id/metadata", handler.UpdateSessionMetadata)
			mutating.POST("/:id/bind", handler.BindExecutor)
			mutating.POST("/:id/events", handler.AppendEvent)
		}
	}

	// Worker API
	workerGroup := router.Group("/worker")
	workerGroup.Use(auth)
	{
		workerGroup.POST("/register", handler.RegisterWorker)
		workerGroup.GET("/runs", handler.PollRuns)
		workerGroup.POST("/runs/:runId/started", handler.ReportStarted)
		workerGroup.POST("/runs/:runId/completed", handler.ReportCompleted)
		workerGroup.POST("/runs/:runId/failed", handler.ReportFailed)
		workerGroup.POST("/runs/:runId/stopped", handler.ReportStopped)
		workerGroup.POST("/heartbeat", handler.Heartbeat)
	}

	workers := router.Group("/workers")
	workers.Use(auth)
	{
		workers.DELETE("/:id", handler.DeregisterWorker)
	}

	// Realtime API
	if hub != nil {
		router.GET("/ws", hub.ServeWS)
	}
}
