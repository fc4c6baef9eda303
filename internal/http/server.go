package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
)

type Server struct {
	log *slog.Logger

	httpAddr       string
	prometheus     bool
	requestTimeout time.Duration
	allowedOrigins []string

	messages MessageProvider
	health   HealthChecker

	server *http.Server
}

const (
	defaultRequestTimeout = 5 * time.Second
	readHeaderTimeout     = 5 * time.Second
)

func New(options ...func(*Server)) *Server {
	server := &Server{
		log:            slog.Default(),
		requestTimeout: defaultRequestTimeout,
		allowedOrigins: []string{"*"},
	}
	for _, option := range options {
		option(server)
	}

	server.server = &http.Server{
		Addr:              server.httpAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return server
}

func WithLogger(log *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.log = log
	}
}

func WithHttpAddr(httpAddr string) func(*Server) {
	return func(s *Server) {
		s.httpAddr = httpAddr
	}
}

func WithPrometheus() func(*Server) {
	return func(s *Server) {
		s.prometheus = true
	}
}

func WithMessageProvider(messages MessageProvider) func(*Server) {
	return func(s *Server) {
		s.messages = messages
	}
}

func WithHealthChecker(health HealthChecker) func(*Server) {
	return func(s *Server) {
		s.health = health
	}
}

func WithRequestTimeout(timeout time.Duration) func(*Server) {
	return func(s *Server) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

func WithAllowedOrigins(origins []string) func(*Server) {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// Handler exposes the assembled router, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks until the server is stopped.
func (s *Server) Start() error {
	const op = "http.Start"
	log := s.log.With(slog.String("op", op))

	log.Info("http server is starting", slog.String("addr", s.httpAddr))

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("error during start http server", sl.Err(err))
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	const op = "http.Stop"
	log := s.log.With(slog.String("op", op))

	log.Info("http is stopping")

	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("error during shutdown http server", sl.Err(err))
	}
	return err
}
