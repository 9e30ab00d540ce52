// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package gateway is a plain-text line server for exercising plugins
// during development. It does not authenticate: any name is accepted.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/phira-mp/plughost/internal/observability"
	"github.com/phira-mp/plughost/pkg/plugin"
)

// Authenticator receives sessions once the player has picked a name.
type Authenticator interface {
	AuthSucceeded(ctx context.Context, conn plugin.Connection, user plugin.UserInfo, handler plugin.ProtocolHandler) error
}

// Server is the line gateway.
type Server struct {
	addr    string
	auth    Authenticator
	logger  *slog.Logger
	metrics *observability.GatewayMetrics

	nextUser atomic.Int64

	mu       sync.RWMutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records sessions in m.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a gateway listening on addr.
func NewServer(addr string, auth Authenticator, opts ...Option) *Server {
	s := &Server{addr: addr, auth: auth, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the bound address, or "" before Run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen binds the listener. Run calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.In("gateway").With("addr", s.addr).Wrapf(err, "listen")
	}
	s.listener = l
	return nil
}

// Run accepts connections until ctx is cancelled, then closes every open
// session and waits for them.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("error closing gateway listener", "error", err)
		}
	}()

	defer s.wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.record("accepted")
		sess := newSession(conn, s)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.handle(ctx)
		}()
	}
}

func (s *Server) record(result string) {
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(result).Inc()
	}
}

func (s *Server) sessionOpened() {
	if s.metrics != nil {
		s.metrics.Active.Inc()
	}
}

func (s *Server) sessionClosed() {
	if s.metrics != nil {
		s.metrics.Active.Dec()
	}
}
