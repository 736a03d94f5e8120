package proxy

import (
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
	"github.com/aditya-vk/limit-gate/internal/config"
	"github.com/aditya-vk/limit-gate/internal/gate"
	"github.com/aditya-vk/limit-gate/internal/healthcheck"
	"github.com/aditya-vk/limit-gate/internal/loadbalancer"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Proxy forwards requests to one backend service behind load balancing,
// health checks and the shared circuit breaker. The breaker state lives in
// the store, so a circuit opened by one gateway replica short-circuits calls
// from all of them.
type Proxy struct {
	serviceID     string
	targets       []string
	proxies       map[string]*httputil.ReverseProxy
	gate          *gate.Gate
	onStoreError  string
	loadBalancer  loadbalancer.Strategy
	healthChecker *healthcheck.Checker
}

type Config struct {
	ServiceID            string
	Targets              []string
	LoadBalancerStrategy string
	OnStoreError         string // config.FailOpen or config.FailClosed
	HealthCheck          healthcheck.Config
}

func New(cfg Config, g *gate.Gate) (*Proxy, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	if cfg.ServiceID == "" {
		return nil, errors.New("service id is required")
	}

	lb, err := loadbalancer.NewStrategy(cfg.LoadBalancerStrategy)
	if err != nil {
		return nil, err
	}

	proxies := make(map[string]*httputil.ReverseProxy)
	for _, targetURL := range cfg.Targets {
		target, err := url.Parse(targetURL)
		if err != nil {
			return nil, err
		}

		proxies[targetURL] = httputil.NewSingleHostReverseProxy(target)
	}

	if cfg.HealthCheck.Targets == nil {
		cfg.HealthCheck.Targets = cfg.Targets
	}

	hc := healthcheck.NewChecker(&cfg.HealthCheck)
	hc.Start()

	p := &Proxy{
		serviceID:     cfg.ServiceID,
		targets:       cfg.Targets,
		proxies:       proxies,
		gate:          g,
		onStoreError:  cfg.OnStoreError,
		loadBalancer:  lb,
		healthChecker: hc,
	}

	log.Printf("Proxy for %s initialized with %d targets, strategy: %s", cfg.ServiceID, len(cfg.Targets), lb.Name())

	return p, nil
}

// Forwards the request to the backend
func (p *Proxy) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	decision, err := p.gate.AllowCall(ctx, p.serviceID)
	if err != nil {
		requestID := c.GetString("request_id")
		log.Printf("[%s] circuit check failed for %s (mode=%s): %v", requestID, p.serviceID, p.onStoreError, err)

		if p.onStoreError == config.FailClosed {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Circuit breaker check failed",
			})
			return
		}
		// Fail open: forward without a breaker decision for this request.
		decision = circuitbreaker.Decision{}
	}

	if decision.Open {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       decision.Message,
			"retry_after": decision.RetryAfter,
		})
		return
	}

	healthyTargets := p.healthChecker.GetHealthyTargets()
	if len(healthyTargets) == 0 {
		log.Println("No healthy targets available")
		p.report(c, false)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No healthy backend servers available",
		})
		return
	}

	selectedTarget := p.loadBalancer.Next(healthyTargets)
	if selectedTarget == "" {
		log.Println("Load balancer returned empty target")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to select backend server",
		})
		return
	}

	targetProxy, exists := p.proxies[selectedTarget]
	if !exists {
		log.Printf("Proxy not found for target: %s", selectedTarget)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Internal server error",
		})
		return
	}

	if lc, ok := p.loadBalancer.(*loadbalancer.LeastConnections); ok {
		lc.Increment(selectedTarget)
		defer lc.Decrement(selectedTarget)
	}

	target, _ := url.Parse(selectedTarget)

	recorder := &responseRecorder{
		ResponseWriter: c.Writer,
		statusCode:     http.StatusOK,
	}

	req := c.Request
	req.URL.Host = target.Host
	req.URL.Scheme = target.Scheme
	req.Header.Set("X-Forwarded-Host", req.Header.Get("Host"))
	req.Host = target.Host

	if clientIP := c.ClientIP(); clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	c.Header("X-Backend-Server", selectedTarget)
	c.Writer = recorder

	targetProxy.ServeHTTP(c.Writer, req)

	// 5xx from the backend counts against its circuit; everything else is a
	// success as far as the breaker is concerned.
	p.report(c, recorder.statusCode < 500)
}

func (p *Proxy) report(c *gin.Context, success bool) {
	if err := p.gate.ReportCallResult(c.Request.Context(), p.serviceID, success); err != nil {
		if ratelimit.IsStoreError(err) {
			requestID := c.GetString("request_id")
			log.Printf("[%s] failed to record call result for %s: %v", requestID, p.serviceID, err)
			return
		}
		log.Printf("failed to record call result for %s: %v", p.serviceID, err)
	}
}

// ServiceID returns the circuit identifier this proxy reports under.
func (p *Proxy) ServiceID() string {
	return p.serviceID
}

// Returns health status of all targets
func (p *Proxy) GetHealthStatus() map[string]*healthcheck.Status {
	return p.healthChecker.GetAllStatus()
}

// Returns list of healthy targets
func (p *Proxy) GetHealthyTargets() []string {
	return p.healthChecker.GetHealthyTargets()
}

// Returns all targets
func (p *Proxy) GetAllTargets() []string {
	return p.healthChecker.GetAllTargets()
}

// Returns overall health status
func (p *Proxy) OverallHealth() healthcheck.HealthStatus {
	return p.healthChecker.OverallHealth()
}

// Stops the health checker
func (p *Proxy) Stop() {
	if p.healthChecker != nil {
		p.healthChecker.Stop()
	}
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	return r.ResponseWriter.Write(data)
}
