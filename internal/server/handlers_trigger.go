package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

type createTriggerRequest struct {
	TriggerType v1.TriggerType  `json:"trigger_type" binding:"required"`
	Config      json.RawMessage `json:"config"`
}

func (s *Server) createTrigger(c *gin.Context) {
	var req createTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "trigger_type is required")
		return
	}
	trig := &v1.Trigger{
		WorkflowID:  c.Param("id"),
		TriggerType: req.TriggerType,
		Config:      req.Config,
	}
	if err := s.deps.Triggers.Create(c.Request.Context(), trig); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trig)
}

func (s *Server) listTriggers(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"
	triggers, err := s.deps.Triggers.List(c.Request.Context(), enabledOnly)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, triggers)
}

func (s *Server) deleteTrigger(c *gin.Context) {
	if err := s.deps.Triggers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type setTriggerEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setTriggerEnabled(c *gin.Context) {
	var req setTriggerEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "enabled is required")
		return
	}
	if err := s.deps.Triggers.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// webhookDelivery records an inbound webhook payload for the trigger
// dispatcher to consume on its next pass.
func (s *Server) webhookDelivery(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		badRequest(c, "payload must be JSON")
		return
	}
	delivery, err := s.deps.Triggers.RecordDelivery(c.Request.Context(), c.Param("triggerId"), payload)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"deliveryId": delivery.ID})
}
