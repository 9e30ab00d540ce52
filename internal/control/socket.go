// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package control serves the admin API over a Unix socket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/phira-mp/plughost/internal/eventbus"
	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/internal/xdg"
	"github.com/phira-mp/plughost/pkg/errutil"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Plugins       int    `json:"plugins"`
	Subscriptions int    `json:"subscriptions"`
	Version       string `json:"version,omitempty"`
}

// ShutdownResponse is returned by POST /shutdown.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Admin is the set of host operations exposed on the socket.
type Admin interface {
	Plugins() []plugins.Info
	LoadPlugin(ctx context.Context, name string) (plugins.Info, error)
	UnloadPlugin(ctx context.Context, id string) error
	ReloadPlugin(ctx context.Context, id string) (plugins.Info, error)
	Subscriptions(id string) ([]eventbus.SubscriptionInfo, error)
	Topics() []eventbus.TopicInfo
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// Server runs HTTP over a Unix socket.
type Server struct {
	socketPath string
	admin      Admin
	shutdown   ShutdownFunc
	logger     *slog.Logger
	version    string
	startTime  time.Time

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported by /status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a control server bound to socketPath.
func NewServer(socketPath string, admin Admin, shutdown ShutdownFunc, opts ...Option) *Server {
	s := &Server{
		socketPath: socketPath,
		admin:      admin,
		shutdown:   shutdown,
		logger:     slog.Default(),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultSocketPath returns the control socket under the runtime directory.
func DefaultSocketPath() (string, error) {
	dir, err := xdg.RuntimeDir()
	if err != nil {
		return "", oops.In("control").Wrapf(err, "resolve runtime directory")
	}
	return filepath.Join(dir, "control.sock"), nil
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /plugins", s.handleList)
	mux.HandleFunc("POST /plugins/{name}", s.handleLoad)
	mux.HandleFunc("DELETE /plugins/{id}", s.handleUnload)
	mux.HandleFunc("POST /plugins/{id}/reload", s.handleReload)
	mux.HandleFunc("GET /plugins/{id}/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("GET /topics", s.handleTopics)
	return mux
}

// Start listens on the socket. A stale socket file is replaced.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return oops.In("control").Errorf("control server already running")
	}
	listener, err := s.listen()
	if err != nil {
		s.running.Store(false)
		return err
	}

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpSrv
	s.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control socket server error", "error", err)
		}
	}()
	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return nil, oops.In("control").With("path", s.socketPath).Wrapf(err, "create socket directory")
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, oops.In("control").With("path", s.socketPath).Wrapf(err, "remove stale socket")
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, oops.In("control").With("path", s.socketPath).Wrapf(err, "listen")
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, oops.In("control").With("path", s.socketPath).Wrapf(err, "set socket permissions")
	}
	return listener, nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	httpSrv, listener := s.httpServer, s.listener
	s.mu.Unlock()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			return oops.In("control").With("operation", "shutdown").Wrap(err)
		}
	}
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close control socket listener", "error", err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove control socket file", "path", s.socketPath, "error", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Version:       s.version,
	}
	if s.admin != nil {
		infos := s.admin.Plugins()
		resp.Plugins = len(infos)
		for _, info := range infos {
			resp.Subscriptions += info.Subscriptions
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.admin.Plugins())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	info, err := s.admin.LoadPlugin(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.UnloadPlugin(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	info, err := s.admin.ReloadPlugin(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.admin.Subscriptions(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if subs == nil {
		subs = []eventbus.SubscriptionInfo{}
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.admin.Topics())
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case plugins.CodeNotLoaded, plugins.CodeNotFound:
		return http.StatusNotFound
	case plugins.CodeConflict:
		return http.StatusConflict
	case plugins.CodeLoadFailed, plugins.CodeInvalidManifest, plugins.CodeUnsupportedRuntime, plugins.CodeUnknownModule:
		return http.StatusUnprocessableEntity
	case plugins.CodeCapabilityDenied:
		return http.StatusForbidden
	case plugins.CodeHostClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if code := errutil.Code(err); code != nil {
		resp.Code = fmt.Sprint(code)
	}
	status := statusFor(resp.Code)
	if status == http.StatusInternalServerError {
		errutil.LogError(s.logger, "control request failed", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write control response", "status", status, "error", err)
	}
}
