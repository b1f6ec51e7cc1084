package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Processor performs the work behind a processing endpoint. It writes the
// response and may report accounting details with quota.SetOutcome; the
// request context carries the plan's deadline and policy.GetLimits the
// plan's caps.
type Processor interface {
	Serve(c *gin.Context, endpoint string)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(c *gin.Context, endpoint string)

// Serve implements Processor.
func (f ProcessorFunc) Serve(c *gin.Context, endpoint string) { f(c, endpoint) }

// NotConfiguredProcessor answers every request with 501. It stands in when
// no processing backend is attached.
type NotConfiguredProcessor struct{}

// Serve implements Processor.
func (NotConfiguredProcessor) Serve(c *gin.Context, endpoint string) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error":    "not_implemented",
		"message":  "No processing backend is configured for this endpoint.",
		"endpoint": endpoint,
	})
}
