package bridge

// Message type tags. These are the protocol strings application frameworks
// dispatch on.
const (
	TypeRequest       = "http.request"
	TypeDisconnect    = "http.disconnect"
	TypeResponseStart = "http.response.start"
	TypeResponseBody  = "http.response.body"
)

// Message is one application-plane message. The set of implementations is
// closed: a Message is always exactly one of RequestMessage,
// DisconnectMessage, ResponseStartMessage, or ResponseBodyMessage, so a
// switch over these four types is exhaustive. Values are passed by value
// and never mutated after hand-off.
type Message interface {
	// Type returns the message's protocol tag.
	Type() string

	isMessage()
}

// RequestMessage delivers request body data to the application. MoreBody
// reports whether further chunks follow; the final chunk has MoreBody false
// and an empty Body.
type RequestMessage struct {
	Body     []byte
	MoreBody bool
}

func (RequestMessage) Type() string { return TypeRequest }
func (RequestMessage) isMessage()   {}

// DisconnectMessage tells the application its stream was closed by the
// client or the transport. It can arrive at any point in the exchange,
// including after the response has completed.
type DisconnectMessage struct{}

func (DisconnectMessage) Type() string { return TypeDisconnect }
func (DisconnectMessage) isMessage()   {}

// ResponseStartMessage declares the response status and headers. The bridge
// buffers it until the first ResponseBodyMessage arrives, so nothing is
// visible on the wire until body data (or end-of-body) follows.
type ResponseStartMessage struct {
	Status  int
	Headers []HeaderField
}

func (ResponseStartMessage) Type() string { return TypeResponseStart }
func (ResponseStartMessage) isMessage()   {}

// ResponseBodyMessage streams response body data. MoreBody true means more
// chunks follow; false (the zero value) completes the response.
type ResponseBodyMessage struct {
	Body     []byte
	MoreBody bool
}

func (ResponseBodyMessage) Type() string { return TypeResponseBody }
func (ResponseBodyMessage) isMessage()   {}
