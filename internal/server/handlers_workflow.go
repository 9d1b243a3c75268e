package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

func (s *Server) createWorkflow(c *gin.Context) {
	var wf v1.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Engine.CreateWorkflow(c.Request.Context(), &wf); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (s *Server) listWorkflows(c *gin.Context) {
	workflows, err := s.deps.Engine.ListWorkflows(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workflows)
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.deps.Engine.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(c *gin.Context) {
	if err := s.deps.Engine.DeleteWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type startWorkflowRequest struct {
	CreatedBy string         `json:"created_by"`
	Inputs    map[string]any `json:"inputs"`
	SwarmID   string         `json:"swarm_id"`
}

func (s *Server) startWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	exec, err := s.deps.Engine.StartWorkflow(c.Request.Context(), c.Param("id"), req.CreatedBy, req.Inputs, req.SwarmID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (s *Server) workflowGraph(c *gin.Context) {
	graph, err := s.deps.Engine.Graph(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

func (s *Server) listExecutions(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "invalid limit")
			return
		}
		limit = parsed
	}
	execs, err := s.deps.Engine.ListExecutions(c.Request.Context(), v1.ExecutionStatus(c.Query("status")), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.deps.Engine.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) pauseExecution(c *gin.Context) {
	if err := s.deps.Engine.PauseExecution(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resumeExecution(c *gin.Context) {
	if err := s.deps.Engine.ResumeExecution(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (s *Server) cancelExecution(c *gin.Context) {
	if err := s.deps.Engine.CancelExecution(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) executionSteps(c *gin.Context) {
	steps, err := s.deps.Engine.ListSteps(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

func (s *Server) executionEvents(c *gin.Context) {
	events, err := s.deps.Engine.ExecutionEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type completeStepRequest struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (s *Server) completeStep(c *gin.Context) {
	var req completeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Engine.CompleteStep(c.Request.Context(), c.Param("id"), req.Output, req.Error); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": true})
}

func (s *Server) retryStep(c *gin.Context) {
	if err := s.deps.Engine.RetryStep(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}
