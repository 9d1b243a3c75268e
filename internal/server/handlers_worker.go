package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/supervisor"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

func (s *Server) spawnWorker(c *gin.Context) {
	var req supervisor.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	worker, err := s.deps.Workers.Spawn(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, worker)
}

func (s *Server) dismissWorker(c *gin.Context) {
	if err := s.deps.Workers.Dismiss(c.Request.Context(), c.Param("handle")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dismissed": true})
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) sendToWorker(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		badRequest(c, "message is required")
		return
	}
	handle := c.Param("handle")
	found, err := s.deps.Workers.Send(c.Request.Context(), handle, req.Message)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !found {
		s.respondError(c, apperr.NotFound("worker not found: %s", handle))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.deps.Workers.Workers(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

func (s *Server) workerOutput(c *gin.Context) {
	n := 0
	if v := c.Query("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "invalid lines")
			return
		}
		n = parsed
	}
	lines, err := s.deps.Workers.Output(c.Param("handle"), n)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": lines})
}

type injectOutputRequest struct {
	Lines []v1.OutputLine `json:"lines" binding:"required"`
}

// injectOutput accepts output lines reported by externally-managed workers.
func (s *Server) injectOutput(c *gin.Context) {
	var req injectOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "lines is required")
		return
	}
	if err := s.deps.Workers.InjectOutput(c.Request.Context(), c.Param("handle"), req.Lines); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Lines)})
}

func (s *Server) workerHeartbeat(c *gin.Context) {
	if err := s.deps.Workers.Heartbeat(c.Request.Context(), c.Param("handle")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// routeTask returns the classifier's routing hint for a task draft.
func (s *Server) routeTask(c *gin.Context) {
	draft := c.Query("task")
	if draft == "" {
		badRequest(c, "task is required")
		return
	}
	rec := s.deps.Workers.RoutingRecommendation(c.Request.Context(), draft)
	if rec == nil {
		s.respondError(c, apperr.Dependency("routing classifier unavailable"))
		return
	}
	c.JSON(http.StatusOK, rec)
}
