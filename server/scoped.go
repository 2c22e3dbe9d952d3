package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Scoped builds, registers, and starts a Server in one step and shuts it
// down on Close. Handy for tests and for embedding a server whose lifetime
// follows a surrounding scope.
type Scoped struct {
	srv *Server
}

// NewScoped creates and starts a server. register receives the unstarted
// engine and performs every RegisterUnary / RegisterStream call.
func NewScoped(cfg Config, logger *zap.Logger, register func(*Server) error) (*Scoped, error) {
	srv := New(cfg, logger)
	if err := register(srv); err != nil {
		return nil, fmt.Errorf("server: registration failed: %w", err)
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return &Scoped{srv: srv}, nil
}

// Server returns the running engine.
func (s *Scoped) Server() *Server {
	return s.srv
}

// Addr returns the bound address of the running engine.
func (s *Scoped) Addr() string {
	return s.srv.Addr()
}

// InProcessDialer returns the dialer for in-process clients.
func (s *Scoped) InProcessDialer() func(context.Context, string) (net.Conn, error) {
	return s.srv.InProcessDialer()
}

// Close shuts the server down gracefully.
func (s *Scoped) Close() error {
	return s.srv.Shutdown()
}
