package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// livenessBody is returned by GET / for external uptime checks.
const livenessBody = "Virtual Whiteboard Backend is running."

// Server is the HTTP/WebSocket front of the relay. It owns the Hub, the
// Router and the HTTP listener.
type Server struct {
	config   *Config
	hub      *Hub
	router   *Router
	metrics  *Metrics
	registry prometheus.Gatherer

	upgrader   websocket.Upgrader
	httpServer *http.Server

	logger *slog.Logger
}

// New creates a Server from config, filling defaults for unset fields. Relay
// metrics are registered on a private Prometheus registry served at
// /metrics.
func New(config *Config) *Server {
	config = config.withDefaults()
	logger := slog.Default().With("component", "server")

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	hub := NewHub(metrics, logger)
	router := NewRouter(hub, config, metrics, logger)

	s := &Server{
		config:   config,
		hub:      hub,
		router:   router,
		metrics:  metrics,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger,
	}

	s.httpServer = &http.Server{
		Addr:    config.Addr(),
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the server's HTTP handler, for mounting in tests or an
// external listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(livenessBody))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)

	return r
}

// handleWebSocket upgrades the request and services the connection until it
// closes. The handler goroutine runs the read loop; a second goroutine runs
// the write pump.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(sock, s.config, s.logger)
	s.hub.Register(c)

	go c.writeLoop()
	c.readLoop(s.router)

	// The hub drops the connection from its groups before the router
	// broadcasts the departure, so the leaver never hears it.
	s.hub.Unregister(c.ID())
	s.router.HandleDisconnect(c.ID())
	c.Close()
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails. Shutdown is graceful within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.config.Addr())
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.router.Stop()
	return err
}

// Router returns the server's event router.
func (s *Server) Router() *Router {
	return s.router
}

// Hub returns the server's connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
