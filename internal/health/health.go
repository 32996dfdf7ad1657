// Package health serves liveness and readiness endpoints for container
// probes.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// State is shared between the bot and the health server.
type State struct {
	connected atomic.Bool
	ready     atomic.Bool
}

// SetConnected records whether the transport is connected to the chat network.
func (s *State) SetConnected(v bool) { s.connected.Store(v) }

// Connected reports the last value passed to SetConnected.
func (s *State) Connected() bool { return s.connected.Load() }

// SetReady records whether the directories are loaded and events are handled.
func (s *State) SetReady(v bool) { s.ready.Store(v) }

// Ready reports the last value passed to SetReady.
func (s *State) Ready() bool { return s.ready.Load() }

// Server provides HTTP health endpoints.
type Server struct {
	state *State
	addr  string
	log   *slog.Logger
}

// NewServer creates a health server listening on addr (e.g. ":8080").
func NewServer(state *State, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{state: state, addr: addr, log: log.With("component", "health")}
}

// Handler returns the mux serving /healthz and /readyz.
func (h *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// /healthz - liveness: the transport is connected.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.state.Connected() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("disconnected"))
	})

	// /readyz - readiness: directories loaded and the event loop running.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if h.state.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})
	return mux
}

// Start serves until ctx is cancelled.
func (h *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (h *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.log.Info("starting health server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.log.Info("shutting down health server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("health server error: %w", err)
	}
}
