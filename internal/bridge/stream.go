package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/llmabridge/v2/internal/logger"
)

// SendFunc delivers one send event to the transport layer. It may suspend
// on transport backpressure and must be callable from the application's
// goroutine.
type SendFunc func(ctx context.Context, ev Event) error

// PutFunc delivers one inbound message to a running application. It
// suspends while the application has not consumed the previous message
// (hand-off depth 1); that suspension is how request-body backpressure
// reaches the transport.
type PutFunc func(ctx context.Context, msg Message) error

// ReceiveFunc hands the application its next inbound message, blocking
// until one is available or ctx is done.
type ReceiveFunc func(ctx context.Context) (Message, error)

// AppSendFunc is the application's outbound message path. A nil message is
// reserved for the task runner: it is the completion/failure handshake, not
// an application message.
type AppSendFunc func(ctx context.Context, msg Message) error

// App is one application execution. It receives the request scope and the
// two message hand-offs and runs for the lifetime of the exchange. A nil
// return means the application finished; whether the response actually
// completed is judged by the bridge, not the application.
type App func(ctx context.Context, scope *Scope, receive ReceiveFunc, send AppSendFunc) error

// AppSpawner starts an application execution for a newly opened stream and
// returns the put function used to feed it inbound messages.
type AppSpawner interface {
	SpawnApp(ctx context.Context, scope *Scope, send AppSendFunc) (PutFunc, error)
}

// AccessFunc records one access-log entry. The bridge invokes it exactly
// once per stream, after the terminal transition, on success and failure
// alike.
type AccessFunc func(streamID uint32, scope *Scope, status int, elapsed time.Duration)

// StreamConfig is the per-connection environment a stream needs to build
// its scope.
type StreamConfig struct {
	RootPath string
	TLS      bool
	Client   *Address
	Server   *Address
}

// Stream bridges one transport stream to one application execution. The
// transport delivers events through Handle; the running application sends
// messages through AppSend; Stream owns the state machine that keeps the
// two sides honest. state, scope, and the pending response cache belong
// exclusively to the Stream — the transport owns event delivery and the
// application owns only the content of its own messages.
type Stream struct {
	id    uint32
	cfg   StreamConfig
	send  SendFunc
	spawn AppSpawner

	log    *logger.Logger
	access AccessFunc

	mu        sync.Mutex
	state     StreamState
	pending   *ResponseStartMessage
	committed int
	reported  bool
	scope     *Scope
	appPut    PutFunc
	started   time.Time
}

// NewStream creates the bridge for one stream. log may be nil for a no-op
// logger; access may be nil when no reporting is wanted.
func NewStream(id uint32, cfg StreamConfig, send SendFunc, spawn AppSpawner, log *logger.Logger, access AccessFunc) *Stream {
	if log == nil {
		log = logger.NewNop()
	}
	return &Stream{
		id:     id,
		cfg:    cfg,
		send:   send,
		spawn:  spawn,
		log:    log,
		access: access,
		state:  StateRequest,
	}
}

// ID returns the transport-assigned stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the stream's current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scope returns the stream's request description, or nil before the
// Request event has been handled.
func (s *Stream) Scope() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Handle consumes one inbound transport event. Request builds the scope
// and spawns the application; Body and EndBody become http.request
// messages; StreamClosed becomes http.disconnect. Events for one stream
// must be handled in the order the transport produced them; delivery may
// suspend on application backpressure until ctx is done.
func (s *Stream) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Request:
		return s.handleRequest(ctx, e)
	case Body:
		return s.deliver(ctx, RequestMessage{Body: e.Data, MoreBody: true})
	case EndBody:
		return s.deliver(ctx, RequestMessage{MoreBody: false})
	case StreamClosed:
		return s.handleClosed(ctx)
	default:
		return fmt.Errorf("stream %d: unhandled transport event %T", s.id, ev)
	}
}

func (s *Stream) handleRequest(ctx context.Context, e Request) error {
	scope := buildScope(e, s.cfg.RootPath, s.cfg.TLS, s.cfg.Client, s.cfg.Server)

	s.mu.Lock()
	if s.scope != nil {
		s.mu.Unlock()
		return fmt.Errorf("stream %d: duplicate Request event", s.id)
	}
	s.scope = scope
	s.started = time.Now()
	s.mu.Unlock()

	s.log.Debug("stream opened", logger.LogFields{
		"stream_id": s.id,
		"method":    scope.Method,
		"path":      scope.Path,
		"proto":     scope.HTTPVersion,
	})

	put, err := s.spawn.SpawnApp(ctx, scope, s.AppSend)
	if err != nil {
		return fmt.Errorf("stream %d: spawning application: %w", s.id, err)
	}

	s.mu.Lock()
	s.appPut = put
	s.mu.Unlock()
	return nil
}

func (s *Stream) deliver(ctx context.Context, msg Message) error {
	s.mu.Lock()
	put := s.appPut
	s.mu.Unlock()
	if put == nil {
		return ErrStreamNotStarted
	}
	return put(ctx, msg)
}

// handleClosed forwards the transport's cancellation to the application as
// http.disconnect. It is delivered once per StreamClosed event, whatever
// the stream state; with no application running there is nothing to cancel
// and the event is a no-op. It never fails on state grounds.
func (s *Stream) handleClosed(ctx context.Context) error {
	s.mu.Lock()
	put := s.appPut
	s.mu.Unlock()
	if put == nil {
		return nil
	}
	return put(ctx, DisconnectMessage{})
}

// AppSend accepts one outbound message from the application, validates it
// against the current state, and applies the resulting transition. It
// returns a *UnexpectedMessageError when the message type is wrong for the
// state, a *MessageShapeError when the content is malformed, and the
// transport's error when emitting a send event fails. The state check, the
// transition, and the emission of its send events form one critical
// section, so sends from concurrent callers can never interleave and
// nothing is ever emitted after the stream closes.
func (s *Stream) AppSend(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eff, err := transition(s.state, s.pending, s.id, s.methodLocked(), s.committed, msg)
	if err != nil {
		s.log.Warn("application message rejected", logger.LogFields{
			"stream_id": s.id,
			"state":     s.state.String(),
			"error":     err.Error(),
		})
		return err
	}

	if msg == nil && s.state != StateClosed {
		s.log.Error("application failed before completing its response", logger.LogFields{
			"stream_id": s.id,
			"state":     s.state.String(),
		})
	}

	s.pending = eff.pending
	if eff.commitStatus != 0 {
		s.committed = eff.commitStatus
	}
	for _, ev := range eff.sends {
		if err := s.send(ctx, ev); err != nil {
			// The transport rejected the write: the wire view of this
			// stream is no longer knowable, so the stream closes and nothing
			// further is emitted. The access report still fires, once, with
			// the last status this transition put (or tried to put) on the
			// wire.
			s.state = StateClosed
			status := eff.reportStatus
			if status == 0 {
				status = s.committed
			}
			s.reportLocked(status)
			return fmt.Errorf("stream %d: sending %T: %w", s.id, ev, err)
		}
	}
	s.state = eff.next
	if eff.reportStatus != 0 {
		s.reportLocked(eff.reportStatus)
	}
	return nil
}

// methodLocked returns the request method, or "" before the Request event.
// Callers hold s.mu.
func (s *Stream) methodLocked() string {
	if s.scope == nil {
		return ""
	}
	return s.scope.Method
}

// reportLocked fires the access hook at most once. Callers hold s.mu.
func (s *Stream) reportLocked(status int) {
	if s.reported {
		return
	}
	s.reported = true
	elapsed := time.Since(s.started)
	s.log.Debug("stream closed", logger.LogFields{
		"stream_id": s.id,
		"status":    status,
		"duration":  elapsed.String(),
	})
	if s.access != nil {
		s.access(s.id, s.scope, status, elapsed)
	}
}
