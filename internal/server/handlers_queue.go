package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

func (s *Server) enqueueSpawn(c *gin.Context) {
	var item v1.SpawnQueueItem
	if err := c.ShouldBindJSON(&item); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Queue.Enqueue(c.Request.Context(), &item); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"requestId": item.ID})
}

func (s *Server) listSpawnQueue(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "invalid limit")
			return
		}
		limit = parsed
	}
	items, err := s.deps.Queue.List(c.Request.Context(), v1.SpawnStatus(c.Query("status")), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) spawnQueueStatus(c *gin.Context) {
	stats, err := s.deps.Queue.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) approveSpawn(c *gin.Context) {
	if err := s.deps.Queue.Approve(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}

func (s *Server) rejectSpawn(c *gin.Context) {
	if err := s.deps.Queue.Reject(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": true})
}
