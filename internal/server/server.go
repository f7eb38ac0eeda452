package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"dify-bridge/internal/config"
	"dify-bridge/internal/metrics"
	"dify-bridge/internal/proxy"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeoutSlack   = 15 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server serves the OpenAI-compatible API in front of a Dify app.
type Server struct {
	cfg     config.Config
	proxy   *proxy.Proxy
	metrics *metrics.Metrics
	logger  *slog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware. A nil
// metrics disables instrumentation and the /metrics route.
func New(cfg config.Config, px *proxy.Proxy, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if px == nil {
		return nil, errors.New("proxy must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		cfg:     cfg,
		proxy:   px,
		metrics: m,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}
	e.HTTPErrorHandler = srv.handleError

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered", "error", err, "stack", string(stack))
			return err
		},
	}))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if m != nil {
		e.Use(m.Middleware())
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error.Error())
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed application, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg)
	s.logger.Info("starting server", "addr", s.address, "backend", s.cfg.Backend.BaseURL)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		// Streams may legitimately run until the stream timeout.
		WriteTimeout: s.cfg.Backend.StreamTimeout + writeTimeoutSlack,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	if s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func printStartupBanner(cfg config.Config) {
	host := "127.0.0.1"
	port := cfg.Server.Port
	fmt.Println()
	fmt.Println("dify-bridge ready")
	fmt.Printf("Listening on http://%s:%d, forwarding to %s\n", host, port, cfg.Backend.BaseURL)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	if cfg.Metrics.Enabled {
		fmt.Println("  GET  /metrics")
	}
	fmt.Println("The bearer token you send is used as the Dify app API key.")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Authorization: Bearer app-...' -H 'Content-Type: application/json' -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port, cfg.DefaultModel())
}
