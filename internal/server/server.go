// Package server exposes course recommendations over HTTP and gRPC. Both
// protocols share one listener.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/cgrcompute/internal/config"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Recommender produces recommendations. *service.Recommender implements it.
type Recommender interface {
	Recommend(ctx context.Context, req *models.RecommendationRequest) (*models.RecommendationResponse, error)
}

// Prober reports worker pool health. *dispatch.Pool implements it.
type Prober interface {
	HealthCheck(ctx context.Context) bool
	Watch(ctx context.Context, interval, timeout time.Duration) <-chan bool
	Pids() []int
}

// CourseCounter reports the size of the course lookup store.
// *storage.SQLiteCourseStore implements it.
type CourseCounter interface {
	CountCourses(ctx context.Context) (int64, error)
}

// Option configures a Server.
type Option func(*Server)

// WithCourseCounter reports the number of known courses on /api/v1/status.
func WithCourseCounter(c CourseCounter) Option {
	return func(s *Server) {
		s.courses = c
	}
}

// Server serves the recommendation API.
type Server struct {
	rec    Recommender
	pool    Prober
	courses CourseCounter
	config  *config.Config
	logger *zap.Logger

	grpc *grpc.Server
	http *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer creates a server with the given dependencies.
func NewServer(rec Recommender, pool Prober, cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		rec:    rec,
		pool:   pool,
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			timeoutInterceptor(cfg.Server.RequestTimeout),
			loggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(streamRecoveryInterceptor(logger)),
	)
	s.grpc.RegisterService(&recommendationServiceDesc, &grpcRecommender{rec: rec, logger: logger})
	grpc_health_v1.RegisterHealthServer(s.grpc, &healthServer{
		pool:     pool,
		interval: cfg.Pool.HealthInterval,
		timeout:  cfg.Pool.HealthTimeout,
		logger:   logger,
	})
	s.http = &http.Server{Handler: s.Router()}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.config.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.config.Server.RequestTimeout))
	}

	r.Post("/api/v1/recommend", s.handleRecommend)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// GRPC returns the gRPC server with the recommendation and health services
// registered.
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// Start listens on the configured address and blocks until Stop.
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.Serve(l)
}

// Serve splits l into HTTP/1 and gRPC traffic and blocks until Stop.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return l.Close()
	}
	s.listener = l
	s.mu.Unlock()

	m := cmux.New(l)
	httpL := m.Match(cmux.HTTP1Fast())
	grpcL := m.Match(cmux.HTTP2(), cmux.HTTP2HeaderField("content-type", "application/grpc"), cmux.Any())

	var g errgroup.Group
	g.Go(func() error { return s.grpc.Serve(grpcL) })
	g.Go(func() error { return s.http.Serve(httpL) })
	g.Go(m.Serve)
	err := g.Wait()
	if s.isStopped() {
		return nil
	}
	return err
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop gracefully shuts down both protocols.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	l := s.listener
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	err := s.http.Shutdown(ctx)
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	return err
}
