package http2

import (
	"context"
	"strconv"

	"golang.org/x/net/http2"

	"example.com/llmabridge/v2/internal/bridge"
)

// sendFunc returns the bridge's transport send path for one stream. Send
// events addressed to a wire stream the client already reset are dropped:
// the application racing a cancellation is expected, and the bridge's own
// state machine stays authoritative for what the application may still do.
func (c *conn) sendFunc(st *streamState) bridge.SendFunc {
	return func(ctx context.Context, ev bridge.Event) error {
		switch e := ev.(type) {
		case bridge.Response:
			if !st.isWireOpen() {
				return nil
			}
			return c.writeResponseHeaders(e)
		case bridge.Body:
			if !st.isWireOpen() {
				return nil
			}
			return c.writeData(e.Stream, e.Data)
		case bridge.EndBody:
			if !st.closeWire() {
				return nil
			}
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return c.fr.WriteData(e.Stream, true, nil)
		case bridge.StreamClosed:
			// Only reached when the wire stream is still open, i.e. the
			// teardown did not already happen through EndBody.
			if !st.closeWire() {
				return nil
			}
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return c.fr.WriteRSTStream(e.Stream, http2.ErrCodeCancel)
		default:
			return nil
		}
	}
}

// writeResponseHeaders encodes and writes the HEADERS frame for a
// committed response. Connection-specific header fields are stripped, as
// RFC 9113 section 8.2.2 requires.
func (c *conn) writeResponseHeaders(resp bridge.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hbuf.Reset()
	c.henc.WriteField(headerField(":status", strconv.Itoa(resp.StatusCode)))
	for _, h := range resp.Headers {
		name := string(h.Name)
		if connectionSpecific(name) {
			continue
		}
		c.henc.WriteField(headerField(name, string(h.Value)))
	}

	return c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      resp.Stream,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
	})
}

// writeData writes one body chunk, split to the protocol's default maximum
// frame size.
func (c *conn) writeData(id uint32, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(data) > 0 {
		n := len(data)
		if n > maxFrameData {
			n = maxFrameData
		}
		if err := c.fr.WriteData(id, false, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// connectionSpecific reports whether a (lowercased) header field name is
// forbidden in HTTP/2 messages.
func connectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}
