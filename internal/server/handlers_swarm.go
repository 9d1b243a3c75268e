package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swarmd/swarmd/internal/storage"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

func (s *Server) createSwarm(c *gin.Context) {
	var sw v1.Swarm
	if err := c.ShouldBindJSON(&sw); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Swarms.CreateSwarm(c.Request.Context(), &sw); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sw)
}

func (s *Server) listSwarms(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	swarms, err := s.deps.Swarms.ListSwarms(c.Request.Context(), activeOnly)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, swarms)
}

func (s *Server) getSwarm(c *gin.Context) {
	sw, err := s.deps.Swarms.GetSwarm(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sw)
}

func (s *Server) killSwarm(c *gin.Context) {
	if err := s.deps.Swarms.KillSwarm(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

func (s *Server) postMessage(c *gin.Context) {
	var msg v1.BlackboardMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Swarms.PostMessage(c.Request.Context(), &msg); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": msg.ID})
}

func (s *Server) listMessages(c *gin.Context) {
	swarmID := c.Param("swarmId")
	if !v1.ValidSwarmID(swarmID) {
		badRequest(c, "invalid swarm id")
		return
	}

	q := storage.BlackboardQuery{
		SwarmID:         swarmID,
		ForHandle:       c.Query("for_handle"),
		MessageType:     v1.MessageType(c.Query("message_type")),
		UnreadBy:        c.Query("unread_by"),
		IncludeArchived: c.Query("include_archived") == "true",
	}
	if v := c.Query("priority"); v != "" {
		p := v1.Priority(v)
		if !v1.ValidPriority(p) {
			badRequest(c, "invalid priority")
			return
		}
		q.Priority = p
	}
	if v := c.Query("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid since timestamp")
			return
		}
		q.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "invalid limit")
			return
		}
		q.Limit = limit
	}

	msgs, err := s.deps.Swarms.Messages(c.Request.Context(), q)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
	Handle     string   `json:"handle" binding:"required"`
}

func (s *Server) markRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message_ids and handle are required")
		return
	}
	marked, err := s.deps.Swarms.MarkRead(c.Request.Context(), req.MessageIDs, req.Handle)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

type archiveRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

func (s *Server) archiveMessages(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message_ids is required")
		return
	}
	archived, err := s.deps.Swarms.Archive(c.Request.Context(), req.MessageIDs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

func (s *Server) createCheckpoint(c *gin.Context) {
	var cp v1.Checkpoint
	if err := c.ShouldBindJSON(&cp); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Swarms.CreateCheckpoint(c.Request.Context(), &cp); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) pendingCheckpoints(c *gin.Context) {
	cps, err := s.deps.Swarms.PendingCheckpoints(c.Request.Context(), c.Param("handle"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cps)
}

type resolveCheckpointRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (s *Server) resolveCheckpoint(c *gin.Context) {
	var req resolveCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "accept is required")
		return
	}
	if err := s.deps.Swarms.ResolveCheckpoint(c.Request.Context(), c.Param("id"), *req.Accept); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}
