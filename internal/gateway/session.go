// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/phira-mp/plughost/pkg/errutil"
	"github.com/phira-mp/plughost/pkg/plugin"
)

const maxNameLength = 32

type session struct {
	srv    *Server
	conn   *lineConn
	reader *bufio.Reader
	user   *plugin.UserInfo
	quit   bool
}

func newSession(conn net.Conn, srv *Server) *session {
	return &session{
		srv:    srv,
		conn:   &lineConn{id: ulid.Make().String(), conn: conn},
		reader: bufio.NewReader(conn),
	}
}

func (s *session) handle(ctx context.Context) {
	logger := s.srv.logger.With("conn_id", s.conn.id)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if s.user != nil {
			s.srv.sessionClosed()
		}
		if err := s.conn.close(); err != nil {
			logger.Debug("error closing connection", "error", err)
		}
	}()

	s.send(ctx, "Welcome to plughost.")
	s.send(ctx, "Use: connect <name>")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- strings.TrimSpace(line):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read error", "error", err)
			}
			return
		case line := <-lines:
			s.process(ctx, line)
			if s.quit {
				return
			}
		}
	}
}

func (s *session) process(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "connect":
		s.connect(ctx, strings.TrimSpace(arg))
	case "quit":
		s.send(ctx, "Goodbye!")
		s.quit = true
	case "":
	default:
		s.send(ctx, "Unknown command: "+cmd)
	}
}

func (s *session) connect(ctx context.Context, name string) {
	if s.user != nil {
		s.send(ctx, "Already connected.")
		return
	}
	if name == "" || len(name) > maxNameLength || strings.ContainsAny(name, " \t") {
		s.srv.record("rejected")
		s.send(ctx, "Usage: connect <name>")
		return
	}

	user := plugin.UserInfo{ID: s.srv.nextUser.Add(1), Name: name}
	s.user = &user
	s.srv.record("authenticated")
	s.srv.sessionOpened()
	s.srv.logger.Info("player connected",
		"conn_id", s.conn.id, "user", name, "user_id", user.ID, "remote_addr", s.conn.RemoteAddr())

	if err := s.srv.auth.AuthSucceeded(ctx, s.conn, user, protocol{}); err != nil {
		errutil.LogError(s.srv.logger, "auth event failed", err, "conn_id", s.conn.id)
	}
}

func (s *session) send(ctx context.Context, line string) {
	if err := s.conn.writeLine(ctx, line); err != nil {
		s.srv.logger.Debug("failed to send line", "conn_id", s.conn.id, "error", err)
	}
}
