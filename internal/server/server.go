// Package server is the HTTP surface: gin routes over the coordination
// components, with the sole tagged-failure to status-code translation.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/httpmw"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/spawnqueue"
	"github.com/swarmd/swarmd/internal/supervisor"
	"github.com/swarmd/swarmd/internal/swarm"
	"github.com/swarmd/swarmd/internal/trigger"
	"github.com/swarmd/swarmd/internal/workflow/engine"
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Auth     *Auth
	Bus      bus.EventBus
	Workers  *supervisor.Manager
	Swarms   *swarm.Service
	Queue    *spawnqueue.Service
	Engine   *engine.Engine
	Triggers *trigger.Dispatcher

	// WSHandler serves the /ws upgrade endpoint (nil disables it).
	WSHandler gin.HandlerFunc
}

// Server hosts the swarmd HTTP API.
type Server struct {
	cfg    config.ServerConfig
	logger *logger.Logger
	deps   Deps
	router *gin.Engine
}

// New creates the server and registers all routes.
func New(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "http")),
		deps:   deps,
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the gin engine (handler tests drive it directly).
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "swarmd"))
	r.Use(httpmw.OtelTracing("swarmd"))

	r.GET("/health", s.health)
	r.POST("/auth", s.authenticate)
	r.GET("/events/stats", s.eventStats)
	if s.deps.WSHandler != nil {
		r.GET("/ws", s.deps.WSHandler)
	}

	r.POST("/swarms", s.createSwarm)
	r.GET("/swarms", s.listSwarms)
	r.GET("/swarms/:id", s.getSwarm)
	r.POST("/swarms/:id/kill", s.killSwarm)

	r.POST("/blackboard", s.postMessage)
	r.GET("/blackboard/:swarmId", s.listMessages)
	r.POST("/blackboard/mark-read", s.markRead)
	r.POST("/blackboard/archive", s.archiveMessages)

	r.POST("/checkpoints", s.createCheckpoint)
	r.GET("/checkpoints/pending/:handle", s.pendingCheckpoints)
	r.POST("/checkpoints/:id/resolve", s.resolveCheckpoint)

	r.POST("/spawn-queue", s.enqueueSpawn)
	r.GET("/spawn-queue", s.listSpawnQueue)
	r.GET("/spawn-queue/status", s.spawnQueueStatus)
	r.POST("/spawn-queue/:id/approve", s.approveSpawn)
	r.POST("/spawn-queue/:id/reject", s.rejectSpawn)

	orch := r.Group("/orchestrate")
	{
		orch.POST("/spawn", s.spawnWorker)
		orch.POST("/dismiss/:handle", s.dismissWorker)
		orch.POST("/send/:handle", s.sendToWorker)
		orch.GET("/workers", s.listWorkers)
		orch.GET("/output/:handle", s.workerOutput)
		orch.POST("/output/:handle", s.injectOutput)
		orch.POST("/heartbeat/:handle", s.workerHeartbeat)
		orch.GET("/route", s.routeTask)
	}

	r.POST("/workflows", s.createWorkflow)
	r.GET("/workflows", s.listWorkflows)
	r.GET("/workflows/:id", s.getWorkflow)
	r.DELETE("/workflows/:id", s.deleteWorkflow)
	r.POST("/workflows/:id/start", s.startWorkflow)
	r.GET("/workflows/:id/graph", s.workflowGraph)
	r.POST("/workflows/:id/triggers", s.createTrigger)

	r.GET("/executions", s.listExecutions)
	r.GET("/executions/:id", s.getExecution)
	r.POST("/executions/:id/pause", s.pauseExecution)
	r.POST("/executions/:id/resume", s.resumeExecution)
	r.POST("/executions/:id/cancel", s.cancelExecution)
	r.GET("/executions/:id/steps", s.executionSteps)
	r.GET("/executions/:id/events", s.executionEvents)

	r.POST("/steps/:id/complete", s.completeStep)
	r.POST("/steps/:id/retry", s.retryStep)

	r.GET("/triggers", s.listTriggers)
	r.DELETE("/triggers/:id", s.deleteTrigger)
	r.POST("/triggers/:id/enable", s.setTriggerEnabled)
	r.POST("/hooks/:triggerId", s.webhookDelivery)

	return r
}

// Run serves until ctx is cancelled, then drains within the shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGraceDuration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": s.deps.Bus.IsConnected(),
	})
}

type authRequest struct {
	UID string `json:"uid" binding:"required"`
}

// authenticate mints a dashboard token for the supplied uid.
func (s *Server) authenticate(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "uid is required")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": s.deps.Auth.IssueToken(req.UID),
		"uid":   req.UID,
	})
}

func (s *Server) eventStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bus.Stats())
}
