package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin routes. metrics may be nil when Prometheus is
// disabled.
func NewRouter(handlers *AdminHandlers, metrics http.Handler, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/status", handlers.handleStatus)
		if metrics != nil {
			r.Method(http.MethodGet, "/metrics", metrics)
		}
	})

	return r
}

// Server runs the admin router on its own listener
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

// Listen binds addr. Start serves on the bound listener.
func Listen(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		done:     make(chan struct{}),
	}, nil
}

// Addr is the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Start() {
	log.Info().Str("address", s.Addr()).Msg("Admin server listening")
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
