// Package controlsurface — server.go
//
// Unix domain socket server exposing spec §6.3's abstract control surface:
// submit_reflection, get_history, verify_chain, certify, verify_cert,
// revoke, propose, vote, execute, register_update, available_updates,
// mark_applied, register_worker, approve_worker, execute_worker,
// list_workers, get_snapshot.
//
// Protocol: newline-delimited JSON over a Unix domain socket, carried over
// unchanged from the teacher octoreflex agent's operator socket server:
// one request, one response, per connection.
//
// Socket path: /run/reflectd/control.sock (configurable).
// Permissions: 0600, owned by the instance's operator.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4.
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: one 10s deadline covers both the read and the write.
//   - The governance and worker commands (propose, vote, execute,
//     register_worker, approve_worker, execute_worker) append an audit
//     event (internal/audit); the other commands append none here.
package controlsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Server is the control-surface Unix domain socket server.
type Server struct {
	socketPath string
	handlers   *Handlers
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates a control-surface Server.
func NewServer(socketPath string, handlers *Handlers, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   handlers,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the control-surface socket server. Removes any
// stale socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("controlsurface: mkdir %q: %w", dir, err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("controlsurface: remove stale socket %q: %w", s.socketPath, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("controlsurface: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("controlsurface: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control surface socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("controlsurface: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("controlsurface: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("controlsurface: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.handlers.Dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
