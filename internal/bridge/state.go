package bridge

import "fmt"

// StreamState is the lifecycle phase of one bridged exchange. Transitions
// are monotonic: StateRequest to StateResponse to StateClosed, or straight
// from StateRequest to StateClosed for single-chunk responses and failures.
type StreamState uint8

const (
	// StateRequest is the initial state: no response is committed yet and
	// request body chunks may still be arriving.
	StateRequest StreamState = iota
	// StateResponse means the Response send event is on the wire; only
	// further response body may follow.
	StateResponse
	// StateClosed is terminal. No application message is accepted and no
	// send event is ever emitted again.
	StateClosed
)

// String returns a human-readable name for the StreamState.
func (s StreamState) String() string {
	switch s {
	case StateRequest:
		return "REQUEST"
	case StateResponse:
		return "RESPONSE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN_STATE(%d)", uint8(s))
	}
}

const (
	// defaultResponseStatus is committed when the application begins its
	// body without a preceding response-start message.
	defaultResponseStatus = 200
	// errorResponseStatus is the status of the synthesized failure response.
	errorResponseStatus = 500
)

// transitionEffect is the complete outcome of applying one application
// message to a stream: the successor state, the new pending-response cache,
// the send events to emit in order, the status committed to the wire by this
// message (0 when it commits none), and the status to hand the access
// reporter (0 when the transition is not terminal).
type transitionEffect struct {
	next         StreamState
	pending      *ResponseStartMessage
	sends        []Event
	commitStatus int
	reportStatus int
}

// transition computes the effect of one application message on a stream. It
// is a pure function — no I/O, no locking, no clock — so the whole dispatch
// table can be exercised in isolation. The caller owns applying the effect
// (emitting the sends, storing the state) under the stream's lock.
//
// A nil message is the external completion/failure signal from the task
// runner: a no-op handshake on a closed stream, the error-synthesis trigger
// in any earlier state.
func transition(state StreamState, pending *ResponseStartMessage, id uint32, method string, committedStatus int, msg Message) (transitionEffect, error) {
	if msg == nil {
		return failureTransition(state, id, committedStatus), nil
	}

	switch m := msg.(type) {
	case ResponseStartMessage:
		if state != StateRequest {
			return transitionEffect{}, NewUnexpectedMessageError(state, m.Type())
		}
		if err := validateResponseStart(m); err != nil {
			return transitionEffect{}, err
		}
		start := m
		return transitionEffect{next: StateRequest, pending: &start}, nil

	case ResponseBodyMessage:
		if state != StateRequest && state != StateResponse {
			return transitionEffect{}, NewUnexpectedMessageError(state, m.Type())
		}

		eff := transitionEffect{next: state, pending: pending}
		status := committedStatus
		if state == StateRequest {
			start := pending
			if start == nil {
				// Body without a prior start commits the default
				// response: 200 with no headers.
				start = &ResponseStartMessage{Status: defaultResponseStatus}
			}
			status = start.Status
			eff.sends = append(eff.sends, Response{
				Stream:     id,
				StatusCode: status,
				Headers:    emitHeaders(start.Headers),
			})
			eff.commitStatus = status
			eff.pending = nil
			eff.next = StateResponse
		}
		if len(m.Body) > 0 && !suppressBody(method, status) {
			eff.sends = append(eff.sends, Body{Stream: id, Data: m.Body})
		}
		if !m.MoreBody {
			eff.sends = append(eff.sends, EndBody{Stream: id})
			eff.reportStatus = status
			eff.next = StateClosed
		}
		return eff, nil

	default:
		// Inbound-only tags (http.request, http.disconnect) and anything
		// else are never valid on the outbound path.
		return transitionEffect{}, NewUnexpectedMessageError(state, msg.Type())
	}
}

// failureTransition synthesizes the stream's reaction to the external
// failure signal. In StateRequest nothing is committed yet, so a default
// 500 response goes out, followed by a transport-level teardown. In
// StateResponse the headers are already on the wire and cannot be
// rewritten; only the teardown is emitted and the committed status is
// reported. On a closed stream the signal is the runner's normal completion
// handshake and does nothing.
func failureTransition(state StreamState, id uint32, committedStatus int) transitionEffect {
	switch state {
	case StateClosed:
		return transitionEffect{next: StateClosed}
	case StateResponse:
		return transitionEffect{
			next:         StateClosed,
			sends:        []Event{StreamClosed{Stream: id}},
			reportStatus: committedStatus,
		}
	default:
		return transitionEffect{
			next: StateClosed,
			sends: []Event{
				Response{Stream: id, StatusCode: errorResponseStatus, Headers: errorResponseHeaders()},
				EndBody{Stream: id},
				StreamClosed{Stream: id},
			},
			reportStatus: errorResponseStatus,
		}
	}
}

// errorResponseHeaders builds the header block of the synthesized failure
// response: an explicit zero length plus a connection-close directive so
// the transport retires the connection instead of reusing it.
func errorResponseHeaders() []HeaderField {
	return []HeaderField{
		{Name: []byte("content-length"), Value: []byte("0")},
		{Name: []byte("connection"), Value: []byte("close")},
	}
}

// suppressBody reports whether response body data must be withheld for this
// method/status combination. HEAD responses and 1xx/204/304 statuses carry
// no body on the wire even when the application supplies one.
func suppressBody(method string, status int) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}
