// Package api serves the engine over HTTP with an OpenAI-style completions
// endpoint.
package api

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/inference"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/metrics"
)

// SessionPool hands out sessions over shared weights. *inference.Shared
// implements it.
type SessionPool interface {
	NewSession(opts inference.SessionOptions) (*inference.Session, error)
	Release(s *inference.Session) error
	Config() checkpoint.Config
}

// Defaults apply to requests that leave a field unset.
type Defaults struct {
	Temperature float32
	TopP        float32
	// MaxTokens <= 0 means "until the context window is full".
	MaxTokens int
}

type Config struct {
	ModelID string
	// MaxConcurrent bounds the sessions generating at once. Values below 1
	// mean 1.
	MaxConcurrent int
	Defaults      Defaults
	Logger        logger.Logger
	Metrics       *metrics.Metrics
	// Gatherer backs GET /metrics. Nil serves prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type Server struct {
	pool     SessionPool
	modelID  string
	defaults Defaults
	sem      chan struct{}
	log      logger.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	started  time.Time

	clock   func() time.Time
	newSeed func() uint64
}

func NewServer(pool SessionPool, cfg Config) *Server {
	n := cfg.MaxConcurrent
	if n < 1 {
		n = 1
	}
	id := cfg.ModelID
	if id == "" {
		id = "llama2"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	g := cfg.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		pool:     pool,
		modelID:  id,
		defaults: cfg.Defaults,
		sem:      make(chan struct{}, n),
		log:      log,
		metrics:  cfg.Metrics,
		gatherer: g,
		started:  time.Now(),
		clock:    time.Now,
		newSeed:  randomSeed,
	}
}

func randomSeed() uint64 {
	for {
		if s := rand.Uint64(); s != 0 {
			return s
		}
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) handleListModels(c *echo.Context) error {
	cfg := s.pool.Config()
	return s.writeJSON(c, "/v1/models", http.StatusOK, ModelList{
		Object: "list",
		Data: []ModelInfo{{
			ID:            s.modelID,
			Object:        "model",
			Created:       s.started.Unix(),
			OwnedBy:       "local",
			ContextLength: cfg.SeqLen,
			Parameters:    checkpoint.NumParams(cfg),
		}},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return s.writeJSON(c, "/healthz", http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(c *echo.Context, route string, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.metrics.ObserveRequest(route, strconv.Itoa(status))
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func (s *Server) writeError(c *echo.Context, route string, status int, errType, msg, param string) error {
	return s.writeJSON(c, route, status, ErrorBody{Error: ErrorDetail{
		Message: msg,
		Type:    errType,
		Param:   param,
	}})
}
