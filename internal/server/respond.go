package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
)

// respondError translates a tagged failure into an HTTP status. This is the
// only place error kinds become status codes; internal causes are logged and
// replaced with an opaque body carrying the trace id.
func (s *Server) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)

	if kind == apperr.KindInternal {
		traceID := ""
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		s.logger.WithError(err).Error("internal failure",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", traceID))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal error",
			"traceId": traceID,
		})
		return
	}

	message := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}

	c.JSON(statusFor(kind), gin.H{"error": message})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindDependency:
		return http.StatusServiceUnavailable
	case apperr.KindValidation, apperr.KindWrongState, apperr.KindLimit:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, format string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": format})
}
