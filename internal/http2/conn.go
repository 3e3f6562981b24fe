// Package http2 adapts HTTP/2 connections to the stream bridge. Framing is
// handled by golang.org/x/net/http2's Framer and header compression by its
// hpack sibling; this package only translates between frames and bridge
// events, one bridge stream per wire stream.
//
// Flow-control policy is deliberately simple: the peer is granted a large
// connection window up front and every consumed DATA payload is refunded
// immediately, so the transport never throttles the client. Backpressure on
// a slow application is still real, because delivering a body chunk to the
// bridge suspends the read loop on the depth-1 hand-off.
package http2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/logger"
)

const (
	// initialHeaderTableSize matches the HTTP/2 default HPACK table size.
	initialHeaderTableSize = 4096
	// maxFrameData is the largest DATA payload written per frame, the
	// protocol's default SETTINGS_MAX_FRAME_SIZE.
	maxFrameData = 16384
	// connectionWindowBonus is granted to the peer on top of the default
	// 64 KiB connection window at startup.
	connectionWindowBonus = 1<<30 - 65535
)

// Options carries the per-connection environment for an HTTP/2 conn.
type Options struct {
	RootPath string
	TLS      bool
	Spawner  bridge.AppSpawner
	Log      *logger.Logger
	Access   bridge.AccessFunc
}

// ServeConn runs one HTTP/2 connection until the peer goes away, ctx is
// cancelled, or the wire fails. It expects the full client preface
// (including the connection preface string) still unread on nc.
func ServeConn(ctx context.Context, nc net.Conn, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	defer nc.Close()

	br := bufio.NewReader(nc)
	if err := readPreface(br); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}

	c := &conn{
		nc:   nc,
		opts: opts,
		log:  log,
		cfg: bridge.StreamConfig{
			RootPath: opts.RootPath,
			TLS:      opts.TLS,
			Client:   bridge.AddressFromNet(nc.RemoteAddr()),
			Server:   bridge.AddressFromNet(nc.LocalAddr()),
		},
		streams: make(map[uint32]*streamState),
	}
	c.fr = http2.NewFramer(nc, br)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(initialHeaderTableSize, nil)
	c.henc = hpack.NewEncoder(&c.hbuf)

	if err := c.handshake(); err != nil {
		return fmt.Errorf("settings handshake: %w", err)
	}

	// ctx cancellation (server shutdown) is turned into a GOAWAY plus a
	// closed socket, which pops the read loop out of ReadFrame.
	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		c.fr.WriteGoAway(c.lastStream, http2.ErrCodeNo, nil)
		c.writeMu.Unlock()
		nc.Close()
	})
	defer stop()

	err := c.readLoop(ctx)
	c.closeAllStreams(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readPreface consumes and verifies the HTTP/2 connection preface string.
func readPreface(br *bufio.Reader) error {
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	if string(buf) != http2.ClientPreface {
		return fmt.Errorf("invalid preface %q", buf)
	}
	return nil
}

// conn is the state of one HTTP/2 connection.
type conn struct {
	nc   net.Conn
	fr   *http2.Framer
	opts Options
	log  *logger.Logger
	cfg  bridge.StreamConfig

	// writeMu serializes all frame writes: the read loop (acks, window
	// updates) and every stream's application goroutine share the framer.
	// henc and hbuf are guarded by it too, hpack encoder state being part
	// of the write stream.
	writeMu sync.Mutex
	henc    *hpack.Encoder
	hbuf    bytes.Buffer

	mu         sync.Mutex
	streams    map[uint32]*streamState
	lastStream uint32
}

// streamState pairs a bridge stream with its wire-visibility flag.
type streamState struct {
	bridge *bridge.Stream

	mu       sync.Mutex
	wireOpen bool // false once RST was received or the final frame went out
}

func (st *streamState) closeWire() (wasOpen bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	wasOpen = st.wireOpen
	st.wireOpen = false
	return wasOpen
}

func (st *streamState) isWireOpen() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.wireOpen
}

// handshake writes the server SETTINGS and the connection window grant.
// The client's SETTINGS frame is handled by the regular read loop.
func (c *conn) handshake() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 256},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: maxFrameData},
	); err != nil {
		return err
	}
	return c.fr.WriteWindowUpdate(0, connectionWindowBonus)
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				c.writeMu.Lock()
				c.fr.WriteGoAway(c.lastStream, http2.ErrCode(connErr), nil)
				c.writeMu.Unlock()
				return fmt.Errorf("connection error: %w", err)
			}
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.writeMu.Lock()
				c.fr.WriteRSTStream(streamErr.StreamID, streamErr.Code)
				c.writeMu.Unlock()
				continue
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			if err := c.handleHeaders(ctx, f); err != nil {
				return err
			}
		case *http2.DataFrame:
			if err := c.handleData(ctx, f); err != nil {
				return err
			}
		case *http2.RSTStreamFrame:
			c.handleReset(ctx, f)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				err := c.fr.WriteSettingsAck()
				c.writeMu.Unlock()
				if err != nil {
					return err
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				err := c.fr.WritePing(true, f.Data)
				c.writeMu.Unlock()
				if err != nil {
					return err
				}
			}
		case *http2.GoAwayFrame:
			return nil
		case *http2.WindowUpdateFrame, *http2.PriorityFrame:
			// Peer-side flow control and priority are out of scope here.
		default:
			c.log.Debug("ignoring frame", logger.LogFields{"type": fmt.Sprintf("%T", f)})
		}
	}
}

func (c *conn) handleHeaders(ctx context.Context, f *http2.MetaHeadersFrame) error {
	id := f.Header().StreamID

	c.mu.Lock()
	if _, exists := c.streams[id]; exists || id <= c.lastStream {
		c.mu.Unlock()
		c.writeMu.Lock()
		err := c.fr.WriteRSTStream(id, http2.ErrCodeProtocol)
		c.writeMu.Unlock()
		return err
	}
	st := &streamState{wireOpen: true}
	c.streams[id] = st
	c.lastStream = id
	c.mu.Unlock()

	st.bridge = bridge.NewStream(id, c.cfg, c.sendFunc(st), c.opts.Spawner, c.log, c.opts.Access)

	req := requestFromMeta(id, f)
	if err := st.bridge.Handle(ctx, req); err != nil {
		return fmt.Errorf("stream %d: %w", id, err)
	}
	if f.StreamEnded() {
		return st.bridge.Handle(ctx, bridge.EndBody{Stream: id})
	}
	return nil
}

func (c *conn) handleData(ctx context.Context, f *http2.DataFrame) error {
	id := f.Header().StreamID
	c.mu.Lock()
	st := c.streams[id]
	c.mu.Unlock()

	// Refund the window before delivery: the hand-off to the application
	// may suspend, and the refund concerns bytes already consumed from the
	// socket either way.
	if total := int(f.Header().Length); total > 0 {
		c.writeMu.Lock()
		c.fr.WriteWindowUpdate(0, uint32(total))
		if st != nil && st.isWireOpen() {
			c.fr.WriteWindowUpdate(id, uint32(total))
		}
		c.writeMu.Unlock()
	}

	if st == nil {
		c.writeMu.Lock()
		err := c.fr.WriteRSTStream(id, http2.ErrCodeStreamClosed)
		c.writeMu.Unlock()
		return err
	}

	if data := f.Data(); len(data) > 0 {
		// The framer reuses its read buffer, so the chunk must be copied
		// before it crosses into the application's goroutine.
		chunk := make([]byte, len(data))
		copy(chunk, data)
		if err := st.bridge.Handle(ctx, bridge.Body{Stream: id, Data: chunk}); err != nil {
			return fmt.Errorf("stream %d: %w", id, err)
		}
	}
	if f.StreamEnded() {
		if err := st.bridge.Handle(ctx, bridge.EndBody{Stream: id}); err != nil {
			return fmt.Errorf("stream %d: %w", id, err)
		}
	}
	return nil
}

func (c *conn) handleReset(ctx context.Context, f *http2.RSTStreamFrame) {
	id := f.Header().StreamID
	c.mu.Lock()
	st := c.streams[id]
	c.mu.Unlock()
	if st == nil {
		return
	}
	st.closeWire()
	// Client-initiated cancellation: forwarded to the application
	// whatever the bridge state, never an error.
	if err := st.bridge.Handle(ctx, bridge.StreamClosed{Stream: id}); err != nil {
		c.log.Debug("disconnect delivery failed", logger.LogFields{
			"stream_id": id,
			"error":     err.Error(),
		})
	}
}

// closeAllStreams delivers the disconnect signal to every stream that was
// open when the connection died.
func (c *conn) closeAllStreams(ctx context.Context) {
	c.mu.Lock()
	streams := make([]*streamState, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()
	for _, st := range streams {
		st.closeWire()
		_ = st.bridge.Handle(ctx, bridge.StreamClosed{Stream: st.bridge.ID()})
	}
}
