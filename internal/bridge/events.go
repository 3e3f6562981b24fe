package bridge

// HeaderField is a single header name/value pair carried as raw bytes.
// Order and byte-level spelling are preserved exactly as supplied; the
// bridge never folds, merges, or re-encodes header pairs.
type HeaderField struct {
	Name  []byte
	Value []byte
}

// Event is a transport-plane message tied to one stream. Inbound events
// (Request, Body, EndBody, StreamClosed) describe wire activity observed by
// the transport layer; outbound send events (Response, Body, EndBody,
// StreamClosed) instruct the transport layer what to write.
type Event interface {
	// StreamID reports the transport-assigned stream the event belongs to.
	StreamID() uint32
}

// Request announces a new exchange on a stream. It carries the request line
// and header block; request body bytes follow as separate Body events.
type Request struct {
	Stream      uint32
	HTTPVersion string
	Method      string
	RawPath     []byte
	Headers     []HeaderField
}

func (e Request) StreamID() uint32 { return e.Stream }

// Body carries one chunk of request or response body data. Chunks are
// relayed in arrival order and never coalesced or split by the bridge.
type Body struct {
	Stream uint32
	Data   []byte
}

func (e Body) StreamID() uint32 { return e.Stream }

// EndBody terminates a body: inbound it closes the request body, outbound
// it completes the response.
type EndBody struct {
	Stream uint32
}

func (e EndBody) StreamID() uint32 { return e.Stream }

// Response carries the committed response status and header block. At most
// one Response is emitted per stream, always before any outbound Body.
type Response struct {
	Stream     uint32
	StatusCode int
	Headers    []HeaderField
}

func (e Response) StreamID() uint32 { return e.Stream }

// StreamClosed signals stream teardown. Inbound it is the client- or
// transport-initiated cancellation path; outbound it tells the transport to
// abort the stream (and, where the protocol has no per-stream teardown, the
// connection).
type StreamClosed struct {
	Stream uint32
}

func (e StreamClosed) StreamID() uint32 { return e.Stream }
