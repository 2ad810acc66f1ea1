// Package hubserver exposes the event hub over HTTP: a POST ingest boundary,
// a websocket push stream with history replay, session and task control
// endpoints, and Prometheus metrics.
package hubserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agusx1211/waverun/internal/debug"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/scheduler"
	"github.com/agusx1211/waverun/internal/sessionstore"
	"github.com/agusx1211/waverun/internal/supervisor"
)

// Options configures server behavior.
type Options struct {
	Host      string
	Port      int
	TLSMode   string // "", "self-signed", or "custom"
	CertFile  string
	KeyFile   string
	AuthToken string
	RateLimit float64 // requests per second per client, 0 disables

	Hub   *hub.Hub
	Store *sessionstore.Store

	// Supervisor and Scheduler are optional; their control routes return 404
	// when absent (pure relay deployments).
	Supervisor *supervisor.Supervisor
	Scheduler  *scheduler.Scheduler

	// Registry serves /metrics when set.
	Registry *prometheus.Registry
}

// Server hosts the HTTP API and the websocket event bridge.
type Server struct {
	hub        *hub.Hub
	store      *sessionstore.Store
	sup        *supervisor.Supervisor
	sched      *scheduler.Scheduler
	httpServer *http.Server
	host       string
	port       int
	tlsMode    string
	certFile   string
	keyFile    string
	authToken  string
	rateLimit  float64
}

// New constructs a Server. Hub and Store are required.
func New(opts Options) (*Server, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("hubserver: hub is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("hubserver: store is required")
	}

	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	// Port 0 binds an ephemeral port; Addr reports the real one after Start.
	port := opts.Port
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("hubserver: invalid port %d", port)
	}

	srv := &Server{
		hub:       opts.Hub,
		store:     opts.Store,
		sup:       opts.Supervisor,
		sched:     opts.Scheduler,
		host:      host,
		port:      port,
		tlsMode:   strings.TrimSpace(opts.TLSMode),
		certFile:  strings.TrimSpace(opts.CertFile),
		keyFile:   strings.TrimSpace(opts.KeyFile),
		authToken: strings.TrimSpace(opts.AuthToken),
		rateLimit: opts.RateLimit,
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux, opts.Registry)

	handler := corsMiddleware(logMiddleware(rateLimitMiddleware(srv.rateLimit, authMiddleware(srv.authToken, mux))))
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

func (srv *Server) setupRoutes(mux *http.ServeMux, reg *prometheus.Registry) {
	mux.HandleFunc("POST /api/events", srv.handleIngest)
	mux.HandleFunc("GET /api/runs", srv.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}/events", srv.handleRunHistory)

	mux.HandleFunc("GET /api/sessions", srv.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", srv.handleSessionByID)
	mux.HandleFunc("POST /api/sessions/{id}/stop", srv.handleStopSession)
	mux.HandleFunc("POST /api/sessions/{id}/kill", srv.handleKillSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", srv.handleResumeSession)

	mux.HandleFunc("GET /api/tasks", srv.handleListTasks)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", srv.handleCancelTask)

	mux.HandleFunc("GET /ws/events", srv.handleEventsWebSocket)

	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Start begins serving in a background goroutine and returns once the
// listener is bound, so Addr reports the real port even for ":0".
func (srv *Server) Start() error {
	if srv.tlsMode != "" {
		var cert tls.Certificate
		var err error
		switch srv.tlsMode {
		case "self-signed":
			cert, err = generateSelfSignedCert(srv.host)
			if err != nil {
				return fmt.Errorf("generating self-signed certificate: %w", err)
			}
		case "custom":
			cert, err = tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
			if err != nil {
				return fmt.Errorf("loading TLS certificate: %w", err)
			}
		default:
			return fmt.Errorf("unsupported TLS mode: %q", srv.tlsMode)
		}
		srv.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		var err error
		if srv.tlsMode != "" {
			err = srv.httpServer.ServeTLS(ln, "", "")
		} else {
			err = srv.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("hubserver", "server stopped with error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Scheme returns the URL scheme for the running server.
func (srv *Server) Scheme() string {
	if srv.tlsMode != "" {
		return "https"
	}
	return "http"
}
