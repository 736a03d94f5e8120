package handler

import (
	"net/http"

	"github.com/aditya-vk/limit-gate/internal/gate"
	"github.com/aditya-vk/limit-gate/internal/proxy"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	gate    *gate.Gate
	proxies map[string]*proxy.Proxy
}

func NewSystemHandler(g *gate.Gate, proxies map[string]*proxy.Proxy) *SystemHandler {
	return &SystemHandler{
		gate:    g,
		proxies: proxies,
	}
}

// Returns the status of all circuit breakers from the shared store
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	ctx := c.Request.Context()
	statuses := make(map[string]interface{})

	for path, proxyInstance := range h.proxies {
		record, err := h.gate.CircuitState(ctx, proxyInstance.ServiceID())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Failed to read circuit state",
			})
			return
		}

		if record == nil {
			statuses[path] = gin.H{"state": "closed", "failure_count": 0}
			continue
		}

		statuses[path] = gin.H{
			"state":           record.State.String(),
			"failure_count":   record.FailureCount,
			"last_failure_at": record.LastFailureAtMs,
			"probe_in_flight": record.ProbeInFlight,
		}
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	// Wildcard param already includes leading slash (e.g., "/api/users")
	service := c.Param("service")

	proxyInstance, exists := h.proxies[service]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Service not found",
		})
		return
	}

	if err := h.gate.ResetCircuit(c.Request.Context(), proxyInstance.ServiceID()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to reset circuit breaker",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"service": service,
	})
}
