// Package http1 adapts HTTP/1.1 connections to the stream bridge. Requests
// are parsed with the shape-http wire decoder; responses are written from
// the bridge's send events, with chunked transfer encoding whenever the
// application did not announce a content length.
package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	shapehttp "github.com/shapestone/shape-http/pkg/http"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/logger"
)

// Options carries the per-connection environment for an HTTP/1.1 conn.
type Options struct {
	RootPath string
	TLS      bool
	Spawner  bridge.AppSpawner
	Log      *logger.Logger
	Access   bridge.AccessFunc
}

// ServeConn runs the keep-alive loop for one HTTP/1.1 connection. One
// exchange is served at a time; each gets its own bridge stream with a
// connection-scoped, monotonically increasing id. ServeConn returns when
// the client closes the connection, a response asked for connection close,
// ctx is cancelled, or the wire fails.
func ServeConn(ctx context.Context, nc net.Conn, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	defer nc.Close()

	cfg := bridge.StreamConfig{
		RootPath: opts.RootPath,
		TLS:      opts.TLS,
		Client:   bridge.AddressFromNet(nc.RemoteAddr()),
		Server:   bridge.AddressFromNet(nc.LocalAddr()),
	}

	dec := shapehttp.NewDecoder(nc)
	bw := bufio.NewWriter(nc)

	// Whatever ends the connection (clean EOF, malformed request, write
	// failure, shutdown), the stream of the exchange in flight or just
	// finished is told the client is gone. An application lingering for
	// http.disconnect after its response would otherwise never wake up.
	var stream *bridge.Stream
	disconnect := func() {
		if stream != nil {
			_ = stream.Handle(context.WithoutCancel(ctx), bridge.StreamClosed{Stream: stream.ID()})
			stream = nil
		}
	}
	defer disconnect()

	var streamID uint32
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := dec.DecodeRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Debug("malformed request", logger.LogFields{"error": err.Error()})
			writeBadRequest(bw)
			return nil
		}

		// The previous exchange is over; its stream does not survive into
		// the next one.
		disconnect()

		streamID++
		w := newResponseWriter(bw)
		stream = bridge.NewStream(streamID, cfg, w.send, opts.Spawner, log, opts.Access)

		if err := feedRequest(ctx, stream, req); err != nil {
			return fmt.Errorf("delivering request events: %w", err)
		}

		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := w.err(); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		if w.shouldClose() || !keepAlive(req) {
			return nil
		}
	}
}

// feedRequest translates one decoded request into the stream's inbound
// events. The decoder has already consumed the full body, so it is relayed
// as a single chunk followed by end-of-body.
func feedRequest(ctx context.Context, stream *bridge.Stream, req *shapehttp.Request) error {
	headers := make([]bridge.HeaderField, len(req.Headers))
	for i, h := range req.Headers {
		headers[i] = bridge.HeaderField{Name: []byte(h.Key), Value: []byte(h.Value)}
	}
	err := stream.Handle(ctx, bridge.Request{
		Stream:      stream.ID(),
		HTTPVersion: strings.TrimPrefix(req.Version, "HTTP/"),
		Method:      req.Method,
		RawPath:     []byte(req.Path),
		Headers:     headers,
	})
	if err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if err := stream.Handle(ctx, bridge.Body{Stream: stream.ID(), Data: req.Body}); err != nil {
			return err
		}
	}
	return stream.Handle(ctx, bridge.EndBody{Stream: stream.ID()})
}

// keepAlive applies the HTTP/1.x connection-reuse rules to a request.
func keepAlive(req *shapehttp.Request) bool {
	connection := strings.ToLower(req.Headers.Get("Connection"))
	if req.Version == "HTTP/1.0" {
		return connection == "keep-alive"
	}
	return connection != "close"
}

// responseWriter turns bridge send events into HTTP/1.1 wire bytes. The
// bridge serializes send calls with each other, but the connection loop
// wakes on done (closed at EndBody) while a trailing StreamClosed event may
// still be mutating closeConn from the application's goroutine, so the
// fields are guarded by mu.
type responseWriter struct {
	bw   *bufio.Writer
	done chan struct{}

	mu        sync.Mutex
	chunked   bool
	closeConn bool
	finished  bool
	writeErr  error
}

func newResponseWriter(bw *bufio.Writer) *responseWriter {
	return &responseWriter{bw: bw, done: make(chan struct{})}
}

// err returns the first write error, if any.
func (w *responseWriter) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

// shouldClose reports whether the exchange asked for connection teardown.
func (w *responseWriter) shouldClose() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeConn
}

func (w *responseWriter) send(ctx context.Context, ev bridge.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch e := ev.(type) {
	case bridge.Response:
		return w.fail(w.writeHead(e))
	case bridge.Body:
		return w.fail(w.writeChunk(e.Data))
	case bridge.EndBody:
		err := w.finishBody()
		w.finish()
		return w.fail(err)
	case bridge.StreamClosed:
		// For HTTP/1.1 there is no per-stream teardown: closing the
		// stream closes the connection.
		w.closeConn = true
		w.finish()
		return nil
	default:
		return fmt.Errorf("unsupported send event %T", ev)
	}
}

// fail latches the first write error so the connection loop can
// distinguish a poisoned wire from a clean completion.
func (w *responseWriter) fail(err error) error {
	if err != nil && w.writeErr == nil {
		w.writeErr = err
		w.finish()
	}
	return err
}

func (w *responseWriter) finish() {
	if !w.finished {
		w.finished = true
		close(w.done)
	}
}

func (w *responseWriter) writeHead(resp bridge.Response) error {
	reason := http.StatusText(resp.StatusCode)
	if reason == "" {
		reason = "Unknown"
	}
	if _, err := fmt.Fprintf(w.bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, reason); err != nil {
		return err
	}

	haveLength := false
	for _, h := range resp.Headers {
		name := string(h.Name)
		switch name {
		case "content-length":
			haveLength = true
		case "connection":
			if strings.EqualFold(string(h.Value), "close") {
				w.closeConn = true
			}
		}
		if _, err := fmt.Fprintf(w.bw, "%s: %s\r\n", name, h.Value); err != nil {
			return err
		}
	}

	if !haveLength && bodyAllowed(resp.StatusCode) {
		w.chunked = true
		if _, err := io.WriteString(w.bw, "transfer-encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w.bw, "\r\n"); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *responseWriter) writeChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if w.chunked {
		if _, err := fmt.Fprintf(w.bw, "%x\r\n", len(data)); err != nil {
			return err
		}
		if _, err := w.bw.Write(data); err != nil {
			return err
		}
		if _, err := io.WriteString(w.bw, "\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := w.bw.Write(data); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (w *responseWriter) finishBody() error {
	if w.chunked {
		if _, err := io.WriteString(w.bw, "0\r\n\r\n"); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// bodyAllowed reports whether a status permits a response body at all.
func bodyAllowed(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

func writeBadRequest(bw *bufio.Writer) {
	io.WriteString(bw, "HTTP/1.1 400 Bad Request\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
	bw.Flush()
}
