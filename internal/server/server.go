// Package server hosts the coverscan HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/coverscan/internal/errors"
	"github.com/3leaps/coverscan/internal/server/handlers"
	"github.com/3leaps/coverscan/internal/server/middleware"
	"github.com/3leaps/coverscan/pkg/imagestore"
)

// DefaultRoutePrefix is where book and job routes mount by default.
const DefaultRoutePrefix = "/api/books"

// Server is the HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	log    *zap.Logger

	routePrefix    string
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	pprof          bool

	jobs   *handlers.JobsHandler
	books  *handlers.BooksHandler
	images imagestore.Getter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRoutePrefix mounts the book and job routes under prefix.
func WithRoutePrefix(prefix string) Option {
	return func(s *Server) {
		s.routePrefix = "/" + strings.Trim(prefix, "/")
	}
}

// WithTimeouts sets the http.Server read, write and idle timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.idleTimeout = read, write, idle
	}
}

// WithRequestTimeout cancels handler contexts after d. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithPprof mounts net/http/pprof under /debug/pprof.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

// WithJobs mounts the upload and status routes.
func WithJobs(h *handlers.JobsHandler) Option {
	return func(s *Server) { s.jobs = h }
}

// WithBooks mounts the book record routes.
func WithBooks(h *handlers.BooksHandler) Option {
	return func(s *Server) { s.books = h }
}

// WithUploads serves stored images under /uploads/.
func WithUploads(images imagestore.Getter) Option {
	return func(s *Server) { s.images = images }
}

// New builds a server listening on host:port. Health and version routes
// are always mounted; domain routes only when their handlers are supplied.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		log:          zap.NewNop(),
		routePrefix:  DefaultRoutePrefix,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.log))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithCode(w, req, http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("route %s %s not found", req.Method, req.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithCode(w, req, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/{name}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			}))
		})
	}

	if s.images != nil {
		r.Get(handlers.DefaultUploadsPath+"*", handlers.UploadsHandler(s.images))
	}

	if s.jobs != nil || s.books != nil {
		r.Route(s.routePrefix, func(r chi.Router) {
			if s.requestTimeout > 0 {
				r.Use(chimw.Timeout(s.requestTimeout))
			}
			// Fixed paths are registered before /{id} so they win the match.
			if s.jobs != nil {
				r.Post("/upload", s.jobs.Upload)
				r.Get("/status/{jobId}", s.jobs.Status)
			}
			if s.books != nil {
				r.Post("/create", s.books.Create)
				r.Get("/", s.books.List)
				r.Get("/{id}", s.books.Get)
				r.Get("/{id}/full", s.books.GetFull)
				r.Get("/{id}/processing", s.books.Processing)
				r.Put("/{id}", s.books.Update)
				r.Delete("/{id}", s.books.Delete)
			}
		})
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// ListenAndServe serves until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr), zap.String("route_prefix", s.routePrefix))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
