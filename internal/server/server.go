package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/aditya-vk/limit-gate/internal/config"
	"github.com/aditya-vk/limit-gate/internal/gate"
	"github.com/aditya-vk/limit-gate/internal/handler"
	"github.com/aditya-vk/limit-gate/internal/healthcheck"
	"github.com/aditya-vk/limit-gate/internal/middleware"
	"github.com/aditya-vk/limit-gate/internal/models"
	"github.com/aditya-vk/limit-gate/internal/proxy"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/aditya-vk/limit-gate/internal/repository"
	"github.com/aditya-vk/limit-gate/internal/service"
	"github.com/aditya-vk/limit-gate/internal/storage"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router           *gin.Engine
	config           *config.Config
	redis            *storage.RedisClient
	postgres         *storage.Postgres
	gate             *gate.Gate
	proxies          map[string]*proxy.Proxy
	apiKeyService    *service.APIKeyService
	apiKeyHandler    *handler.APIKeyHandler
	authHandler      *handler.AuthHandler
	analyticsHandler *handler.AnalyticsHandler
	systemHandler    *handler.SystemHandler
	httpServer       *http.Server
}

func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	g := gate.New(redis, ratelimit.SystemClock(), gate.Config{
		Algorithm:        cfg.RateLimit.Algorithm,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		BreakerTimeout:   time.Duration(cfg.Circuit.TimeoutMs) * time.Millisecond,
	})

	apiKeyRepo := repository.NewAPIKeyRepository(postgres)
	apiKeyService := service.NewAPIKeyService(postgres, apiKeyRepo, redis)
	apiKeyHandler := handler.NewAPIKeyHandler(*apiKeyService)

	authRepo := repository.NewUserRepository(postgres)
	authService := service.NewAuthService(authRepo, cfg.Auth.JWTSecret, cfg.Auth.ExpiryHours)
	authHandler := handler.NewAuthHandler(authService)

	requestLogRepo := repository.NewRequestLogRepository(postgres)
	analyticsService := service.NewAnalyticsService(postgres, requestLogRepo)
	analyticsHandler := handler.NewAnalyticsHandler(analyticsService)

	s := &Server{
		router:           router,
		config:           cfg,
		redis:            redis,
		postgres:         postgres,
		gate:             g,
		proxies:          make(map[string]*proxy.Proxy),
		apiKeyService:    apiKeyService,
		apiKeyHandler:    apiKeyHandler,
		authHandler:      authHandler,
		analyticsHandler: analyticsHandler,
	}

	s.loadTierPolicies()
	s.initializeProxies()
	s.systemHandler = handler.NewSystemHandler(g, s.proxies)

	middleware.InitRequestLogger(postgres, 1000)

	s.setupMiddleware()
	s.setupRoutes(authService)

	return s
}

// Tier overrides: config first, then rows from the tiers table. The built-in
// free/starter/pro/enterprise defaults stay in place for anything not named.
func (s *Server) loadTierPolicies() {
	for _, tier := range s.config.RateLimit.Tiers {
		err := s.gate.Tiers().SetPolicy(tier.Name, ratelimit.Policy{
			MaxRequests: tier.MaxRequests,
			WindowMs:    tier.WindowMs,
			BurstSize:   tier.BurstSize,
		})
		if err != nil {
			log.Printf("Skipping invalid tier %q from config: %v", tier.Name, err)
		}
	}

	var tiers []models.RateLimitTier
	if err := s.postgres.DB.Find(&tiers).Error; err != nil {
		log.Printf("Failed to load tiers from database: %v", err)
		return
	}
	for _, tier := range tiers {
		err := s.gate.Tiers().SetPolicy(tier.Name, ratelimit.Policy{
			MaxRequests: tier.MaxRequests,
			WindowMs:    tier.WindowMs,
			BurstSize:   tier.BurstSize,
		})
		if err != nil {
			log.Printf("Skipping invalid tier %q from database: %v", tier.Name, err)
		}
	}
}

func (s *Server) initializeProxies() {
	for _, svc := range s.config.Services {
		if len(svc.Targets) == 0 {
			log.Printf("Warning: Service %s has no targets configured", svc.Path)
			continue
		}

		p, err := proxy.New(proxy.Config{
			ServiceID:            svc.Path,
			Targets:              svc.Targets,
			LoadBalancerStrategy: svc.LoadBalancer,
			OnStoreError:         s.config.RateLimit.OnStoreError,
			HealthCheck:          healthcheck.Config{Targets: svc.Targets},
		}, s.gate)
		if err != nil {
			log.Printf("Failed to create proxy for %s: %v", svc.Path, err)
			continue
		}

		s.proxies[svc.Path] = p
		log.Printf("Initialized proxy for %s -> %v", svc.Path, svc.Targets)
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.APIKeyValidator(s.apiKeyService))
	s.router.Use(middleware.RateLimitWithTier(s.gate, s.config))
	s.router.Use(middleware.RequestLogger())
}

func (s *Server) setupRoutes(authService *service.AuthService) {
	s.router.GET("/health", s.healthCheck)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.authHandler.Register)
		auth.POST("/login", s.authHandler.Login)
	}

	admin := s.router.Group("/admin")
	admin.Use(middleware.RequireAuth(authService))
	{
		admin.GET("/status", s.adminStatus)
		admin.POST("/keys", s.apiKeyHandler.Create)
		admin.GET("/keys", s.apiKeyHandler.List)
		admin.GET("/keys/:id", s.apiKeyHandler.Get)
		admin.PATCH("/keys/:id", s.apiKeyHandler.Update)
		admin.DELETE("/keys/:id", s.apiKeyHandler.Delete)
		admin.GET("/analytics/summary", s.analyticsHandler.GetSummary)
		admin.GET("/analytics/timeseries", s.analyticsHandler.GetTimeSeries)
		admin.GET("/analytics/keys/:id", s.analyticsHandler.GetAPIKeyStats)
		admin.GET("/analytics/logs", s.analyticsHandler.GetLogs)
		admin.GET("/circuits", s.systemHandler.CircuitBreakerStatus)
		admin.POST("/circuits/reset/*service", s.systemHandler.ResetCircuitBreaker)
	}

	s.setupProxyRoutes()
}

func (s *Server) setupProxyRoutes() {
	for path, proxyInstance := range s.proxies {
		proxyPath := path
		p := proxyInstance

		s.router.Any(proxyPath+"/*proxyPath", func(c *gin.Context) {
			p.Handle(c)
		})

		s.router.Any(proxyPath, func(c *gin.Context) {
			p.Handle(c)
		})

		log.Printf("Registered proxy route: %s", proxyPath)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	redisHealthy := true
	if err := s.redis.Ping(c.Request.Context()); err != nil {
		redisHealthy = false
		log.Printf("Redis health check failed: %v", err)
	}

	dbHealthy := true
	if err := s.postgres.Ping(c.Request.Context()); err != nil {
		dbHealthy = false
		log.Printf("Database health check failed: %v", err)
	}

	status := "healthy"
	statusCode := http.StatusOK

	if !redisHealthy || !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "limit-gate",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks": gin.H{
			"redis":    redisHealthy,
			"database": dbHealthy,
		},
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	ctx := c.Request.Context()
	keys, _ := s.apiKeyService.List(ctx)
	c.JSON(http.StatusOK, gin.H{
		"gateway":   "running",
		"services":  len(s.config.Services),
		"api_keys":  len(keys),
		"uptime":    time.Since(startTime).Seconds(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	log.Printf("Starting gateway on %s", addr)
	log.Printf("Environment: %s", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	for _, p := range s.proxies {
		p.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

var startTime = time.Now()
