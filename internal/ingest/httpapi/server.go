package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"locstream/internal/domain"
	"locstream/internal/metrics"
	"locstream/internal/publisher"
)

const requestIDHeader = "X-Request-ID"

// Publisher is the part of *publisher.Publisher the API needs.
type Publisher interface {
	Publish(ctx context.Context, u domain.LocationUpdate, opts ...publisher.Option) (*publisher.Future, error)
}

// LatestReader serves GET /drivers/:driverId/location.
type LatestReader interface {
	Latest(ctx context.Context, driverID string) (domain.LocationUpdate, bool, error)
}

// Tracker serves GET /track/:driverId websocket upgrades.
type Tracker interface {
	ServeWS(w http.ResponseWriter, r *http.Request, driverID string)
}

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration
}

func (c *Config) withDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
}

type Option func(*Server)

func WithLatest(r LatestReader) Option { return func(s *Server) { s.latest = r } }

func WithTracker(t Tracker) Option { return func(s *Server) { s.tracker = t } }

type Server struct {
	cfg     Config
	pub     Publisher
	latest  LatestReader
	tracker Tracker
	log     logr.Logger
	engine  *gin.Engine
}

func New(cfg Config, pub Publisher, log logr.Logger, opts ...Option) *Server {
	cfg.withDefaults()
	s := &Server{cfg: cfg, pub: pub, log: log.WithName("http")}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())

	r.POST("/locations", s.postLocation)
	r.POST("/updateLocation", s.postLocation)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.latest != nil {
		r.GET("/drivers/:driverId/location", s.getLatest)
	}
	if s.tracker != nil {
		r.GET("/track/:driverId", func(c *gin.Context) {
			s.tracker.ServeWS(c.Writer, c.Request, c.Param("driverId"))
		})
	}
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		start := time.Now()
		c.Next()
		s.log.V(1).Info("request",
			"id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("http ingress listening", "address", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
