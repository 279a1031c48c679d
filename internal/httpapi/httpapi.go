// Package httpapi implements the HTTP API gateway for Ngome.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> client ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// DefaultWorkspace is used when a request omits the workspace field.
	DefaultWorkspace string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway over the sandbox executor.
type Gateway struct {
	config   Config
	executor *sandbox.Executor
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, exec *sandbox.Executor, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:   cfg,
		executor: exec,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// maxRequestSize returns the configured body limit, defaulting to 1 MB.
func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// WithOpenAPIDocs mounts the interactive API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ngome",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, with metrics/tracing recorded inside the
	// authentication boundary so unauthenticated scans stay out of the
	// per-path series.
	middleware := g.authenticate
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middleware = chain(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer), g.authenticate)
	}
	g.group = g.okapi.Group("/v1", middleware)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a command in the sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(sandbox.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Executor and validator statistics"),
		okapi.DocTags("Stats"),
		okapi.DocResponse(sandbox.ExecutorStats{}),
	)
	g.group.Delete("/executions/{id}", g.handleCleanupOne,
		okapi.DocSummary("Tear down resources of one execution"),
		okapi.DocTags("Cleanup"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Post("/cleanup", g.handleCleanupAll,
		okapi.DocSummary("Tear down resources of all registered executions"),
		okapi.DocTags("Cleanup"),
		okapi.DocResponse(CleanupResponse{}),
	)
	g.group.Post("/whitelist", g.handleWhitelistAdd,
		okapi.DocSummary("Add an executable to the runtime whitelist"),
		okapi.DocTags("Security"),
		okapi.DocRequestBody(WhitelistRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // Long enough for a full execution timeout budget.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Command        string                  `json:"command"`
	Workspace      string                  `json:"workspace,omitempty"` // Empty = gateway default workspace.
	TimeoutSeconds int                     `json:"timeout_seconds,omitempty"`
	Env            map[string]string       `json:"env,omitempty"`
	Limits         *sandbox.ResourceLimits `json:"limits,omitempty"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	workspace := req.Workspace
	if workspace == "" {
		workspace = g.config.DefaultWorkspace
	}
	if workspace == "" {
		return c.AbortBadRequest("workspace is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http execute",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.String("command", req.Command),
	)

	result, err := g.executor.Execute(c.Context(), sandbox.ExecutionRequest{
		Command:        req.Command,
		WorkspaceDir:   workspace,
		Limits:         req.Limits,
		Env:            req.Env,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		g.logger.Error("execution failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortBadRequest(err.Error())
	}

	return c.OK(result)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	return c.OK(g.executor.Stats())
}

func (g *Gateway) handleCleanupOne(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("execution id is required")
	}
	g.executor.Cleanup(id)
	return c.OK(map[string]string{"status": "cleaned", "execution_id": id})
}

// CleanupResponse is the JSON response for POST /v1/cleanup.
type CleanupResponse struct {
	Status  string `json:"status"`
	Cleaned int    `json:"cleaned"`
}

func (g *Gateway) handleCleanupAll(c *okapi.Context) error {
	before := g.executor.Stats().ActiveResourceCount
	g.executor.CleanupAll()
	return c.OK(CleanupResponse{Status: "ok", Cleaned: before})
}

// WhitelistRequest is the JSON body for POST /v1/whitelist.
type WhitelistRequest struct {
	Command string `json:"command"`
}

func (g *Gateway) handleWhitelistAdd(c *okapi.Context) error {
	var req WhitelistRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := g.executor.Validator().AddWhitelistCommand(req.Command); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	g.logger.Info("whitelist extended",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("command", req.Command),
	)
	return c.OK(map[string]string{"status": "added", "command": req.Command})
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// --- Helpers ---

// chain composes middlewares left to right: the first listed runs first.
func chain(mws ...okapi.Middleware) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
