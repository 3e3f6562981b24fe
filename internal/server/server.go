// Package server owns the listener: it accepts connections, terminates
// TLS when configured, picks the wire protocol per connection, and hands
// the connection to the matching protocol adapter. It also drives graceful
// shutdown and applies live logging changes from config reloads.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/config"
	"example.com/llmabridge/v2/internal/http1"
	"example.com/llmabridge/v2/internal/http2"
	"example.com/llmabridge/v2/internal/logger"
	"example.com/llmabridge/v2/internal/runner"
)

// http2Preface is the fixed client connection preface; seeing its first
// bytes on a plaintext connection selects the HTTP/2 adapter.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Server accepts connections and serves the configured application over
// HTTP/1.1 and HTTP/2.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	spawner bridge.AppSpawner

	mu       sync.Mutex
	listener net.Listener
	closing  bool

	conns sync.WaitGroup
}

// New builds a server from a validated configuration. The application named
// by server.app must be present in the registry.
func New(cfg *config.Config, log *logger.Logger, registry *Registry) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("configuration is not defaulted; use config.LoadConfig")
	}
	app, err := registry.Build(*cfg.Server.App, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		spawner: runner.New(app, log),
	}, nil
}

// Listen opens the configured listener, wrapping it with TLS when the
// configuration asks for it. It must be called before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", *s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *s.cfg.Server.Address, err)
	}
	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", logger.LogFields{
		"address": ln.Addr().String(),
		"tls":     s.cfg.TLSEnabled(),
	})
	return nil
}

// Addr returns the listener's bound address. Useful when the configured
// address uses port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called,
// then drains in-flight connections within the configured drain timeout.
// Connections still open after the timeout are cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	// Connections outlive the accept loop during the drain window, so they
	// run under their own cancellation rather than ctx itself.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stop := context.AfterFunc(ctx, func() { s.closeListener() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return s.drain(cancelConns)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(connCtx, nc)
		}()
	}
}

// Shutdown stops the accept loop. Serve then performs the drain and
// returns.
func (s *Server) Shutdown() {
	s.closeListener()
}

// ApplyLogging applies the logging section of a reloaded configuration.
// Only the diagnostic level can change at runtime; target changes need a
// restart and are reported so the operator knows the file was not ignored.
func (s *Server) ApplyLogging(next *config.Config) {
	if next == nil || next.Logging == nil {
		return
	}
	s.log.SetLevel(next.Logging.LogLevel)
	s.log.Info("log level applied from reloaded configuration", logger.LogFields{
		"log_level": string(next.Logging.LogLevel),
	})
	if prev := s.cfg.Logging; prev != nil && prev.ErrorLog != nil && next.Logging.ErrorLog != nil &&
		prev.ErrorLog.Target != next.Logging.ErrorLog.Target {
		s.log.Warn("error log target change requires a restart", nil)
	}
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// drain waits for in-flight connections, cancelling whatever is still
// running once the drain timeout elapses.
func (s *Server) drain(cancelConns context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	timeout := s.cfg.DrainTimeout()
	select {
	case <-done:
		s.log.Info("all connections drained", nil)
		return nil
	case <-time.After(timeout):
		s.log.Warn("drain timeout elapsed, cancelling remaining connections", logger.LogFields{
			"timeout": timeout.String(),
		})
		cancelConns()
	}
	<-done
	return nil
}

// serveConn classifies one accepted connection and runs the matching
// protocol adapter to completion.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	connID := uuid.NewString()
	connLog := s.log.With(logger.LogFields{"conn_id": connID})
	connLog.Debug("connection accepted", logger.LogFields{
		"remote_addr": nc.RemoteAddr().String(),
	})

	useHTTP2, nc, err := s.selectProtocol(ctx, nc)
	if err != nil {
		connLog.Debug("connection rejected before protocol selection", logger.LogFields{
			"error": err.Error(),
		})
		nc.Close()
		return
	}

	protocol := "HTTP/1.1"
	if useHTTP2 {
		protocol = "HTTP/2"
	}
	access := s.accessFunc(connID, nc.RemoteAddr().String(), protocol)

	if useHTTP2 {
		err = http2.ServeConn(ctx, nc, http2.Options{
			RootPath: *s.cfg.Server.RootPath,
			TLS:      s.cfg.TLSEnabled(),
			Spawner:  s.spawner,
			Log:      connLog,
			Access:   access,
		})
	} else {
		err = http1.ServeConn(ctx, nc, http1.Options{
			RootPath: *s.cfg.Server.RootPath,
			TLS:      s.cfg.TLSEnabled(),
			Spawner:  s.spawner,
			Log:      connLog,
			Access:   access,
		})
	}
	if err != nil {
		connLog.Debug("connection ended with error", logger.LogFields{
			"protocol": protocol,
			"error":    err.Error(),
		})
		return
	}
	connLog.Debug("connection closed", logger.LogFields{"protocol": protocol})
}

// selectProtocol decides between the HTTP/2 and HTTP/1.1 adapters. On TLS
// connections ALPN decides; on plaintext the first bytes are sniffed for
// the HTTP/2 connection preface. The returned conn replays any sniffed
// bytes.
func (s *Server) selectProtocol(ctx context.Context, nc net.Conn) (bool, net.Conn, error) {
	if tc, ok := nc.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			return false, nc, fmt.Errorf("TLS handshake: %w", err)
		}
		return tc.ConnectionState().NegotiatedProtocol == "h2", nc, nil
	}

	br := bufio.NewReader(nc)
	// "PRI" cannot start an HTTP/1.x request we serve, so three bytes are
	// enough to classify without stalling on short requests.
	head, err := br.Peek(3)
	if err != nil {
		return false, nc, fmt.Errorf("sniffing protocol: %w", err)
	}
	sniffed := &bufferedConn{Conn: nc, r: br}
	return string(head) == http2Preface[:3], sniffed, nil
}

// bufferedConn replays bytes a protocol sniff already pulled into its
// reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// accessFunc adapts the bridge's per-stream report into an access-log
// entry carrying the connection's identity.
func (s *Server) accessFunc(connID, remoteAddr, protocol string) bridge.AccessFunc {
	return func(streamID uint32, scope *bridge.Scope, status int, elapsed time.Duration) {
		entry := logger.AccessEntry{
			ConnID:     connID,
			StreamID:   streamID,
			RemoteAddr: remoteAddr,
			Protocol:   protocol,
			Status:     status,
			Duration:   elapsed,
		}
		if scope != nil {
			entry.Method = scope.Method
			entry.Path = scope.Path
			entry.Query = string(scope.QueryString)
		}
		s.log.Access(entry)
	}
}
