package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// transportRecorder collects the send events the stream emits.
type transportRecorder struct {
	sends []Event
	err   error // returned from every send when set
}

func (r *transportRecorder) send(ctx context.Context, ev Event) error {
	if r.err != nil {
		return r.err
	}
	r.sends = append(r.sends, ev)
	return nil
}

// queueSpawner stands in for the task runner: it records the scope and
// queues every inbound message instead of running real application code.
// The test plays the application's part by calling Stream.AppSend directly.
type queueSpawner struct {
	scope    *Scope
	inbox    []Message
	spawnErr error
}

func (q *queueSpawner) SpawnApp(ctx context.Context, scope *Scope, send AppSendFunc) (PutFunc, error) {
	if q.spawnErr != nil {
		return nil, q.spawnErr
	}
	q.scope = scope
	return func(ctx context.Context, msg Message) error {
		q.inbox = append(q.inbox, msg)
		return nil
	}, nil
}

type accessRecord struct {
	scope  *Scope
	status int
}

func newTestStream(t *testing.T) (*Stream, *transportRecorder, *queueSpawner, *[]accessRecord) {
	t.Helper()
	rec := &transportRecorder{}
	spawner := &queueSpawner{}
	var accesses []accessRecord
	access := func(_ uint32, scope *Scope, status int, elapsed time.Duration) {
		accesses = append(accesses, accessRecord{scope: scope, status: status})
	}
	s := NewStream(1, StreamConfig{RootPath: "", TLS: false}, rec.send, spawner, nil, access)
	return s, rec, spawner, &accesses
}

func openStream(t *testing.T, s *Stream) {
	t.Helper()
	err := s.Handle(context.Background(), Request{
		Stream:      1,
		HTTPVersion: "2",
		Method:      "GET",
		RawPath:     []byte("/?a=b"),
	})
	if err != nil {
		t.Fatalf("Handle(Request): %v", err)
	}
}

func TestStreamFullExchange(t *testing.T) {
	s, rec, spawner, accesses := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	if spawner.scope == nil || spawner.scope.Path != "/" {
		t.Fatalf("application spawned without a scope: %+v", spawner.scope)
	}
	if len(rec.sends) != 0 {
		t.Fatalf("Request alone must not produce sends, got %v", rec.sends)
	}

	// Response start is buffered: nothing on the wire, state unchanged.
	err := s.AppSend(ctx, ResponseStartMessage{Status: 200, Headers: []HeaderField{
		{Name: []byte("Content-Type"), Value: []byte("text/plain")},
	}})
	if err != nil {
		t.Fatalf("AppSend(start): %v", err)
	}
	if len(rec.sends) != 0 {
		t.Fatalf("buffered start leaked to the wire: %v", rec.sends)
	}
	if s.State() != StateRequest {
		t.Fatalf("state = %v, want REQUEST while buffered", s.State())
	}

	// The final body commits everything in order.
	if err := s.AppSend(ctx, ResponseBodyMessage{Body: []byte("hello")}); err != nil {
		t.Fatalf("AppSend(body): %v", err)
	}
	if len(rec.sends) != 3 {
		t.Fatalf("sends = %v, want Response, Body, EndBody", rec.sends)
	}
	if resp := rec.sends[0].(Response); resp.StatusCode != 200 {
		t.Errorf("Response status = %d", resp.StatusCode)
	}
	if body := rec.sends[1].(Body); string(body.Data) != "hello" {
		t.Errorf("Body data = %q", body.Data)
	}
	if _, ok := rec.sends[2].(EndBody); !ok {
		t.Errorf("terminal send = %T", rec.sends[2])
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", s.State())
	}
	if len(*accesses) != 1 || (*accesses)[0].status != 200 {
		t.Errorf("access reporter calls = %+v, want one with 200", *accesses)
	}
	if (*accesses)[0].scope != spawner.scope {
		t.Errorf("access reporter must receive the stream's scope")
	}
}

func TestStreamInboundTranslation(t *testing.T) {
	s, _, spawner, _ := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	if err := s.Handle(ctx, Body{Stream: 1, Data: []byte("data")}); err != nil {
		t.Fatalf("Handle(Body): %v", err)
	}
	if err := s.Handle(ctx, EndBody{Stream: 1}); err != nil {
		t.Fatalf("Handle(EndBody): %v", err)
	}
	if err := s.Handle(ctx, StreamClosed{Stream: 1}); err != nil {
		t.Fatalf("Handle(StreamClosed): %v", err)
	}

	if len(spawner.inbox) != 3 {
		t.Fatalf("inbox = %v", spawner.inbox)
	}
	chunk := spawner.inbox[0].(RequestMessage)
	if string(chunk.Body) != "data" || !chunk.MoreBody {
		t.Errorf("Body event translated to %+v", chunk)
	}
	final := spawner.inbox[1].(RequestMessage)
	if len(final.Body) != 0 || final.MoreBody {
		t.Errorf("EndBody event translated to %+v", final)
	}
	if _, ok := spawner.inbox[2].(DisconnectMessage); !ok {
		t.Errorf("StreamClosed translated to %T, want DisconnectMessage", spawner.inbox[2])
	}
}

func TestStreamDisconnectUnconditional(t *testing.T) {
	s, _, spawner, _ := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	// Complete the response, then close twice. Neither close may fail, and
	// each delivery produces its own disconnect message.
	if err := s.AppSend(ctx, ResponseBodyMessage{Body: []byte("x")}); err != nil {
		t.Fatalf("AppSend: %v", err)
	}
	if err := s.Handle(ctx, StreamClosed{Stream: 1}); err != nil {
		t.Fatalf("first StreamClosed: %v", err)
	}
	if err := s.Handle(ctx, StreamClosed{Stream: 1}); err != nil {
		t.Fatalf("second StreamClosed: %v", err)
	}

	disconnects := 0
	for _, msg := range spawner.inbox {
		if _, ok := msg.(DisconnectMessage); ok {
			disconnects++
		}
	}
	if disconnects != 2 {
		t.Errorf("disconnect deliveries = %d, want one per StreamClosed event", disconnects)
	}
}

func TestStreamClosedBeforeRequestIsNoop(t *testing.T) {
	s, rec, _, _ := newTestStream(t)
	if err := s.Handle(context.Background(), StreamClosed{Stream: 1}); err != nil {
		t.Fatalf("StreamClosed with no application: %v", err)
	}
	if len(rec.sends) != 0 {
		t.Errorf("unexpected sends: %v", rec.sends)
	}
}

func TestStreamRejectsMessagesAfterClose(t *testing.T) {
	s, rec, _, accesses := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	if err := s.AppSend(ctx, ResponseBodyMessage{Body: []byte("done")}); err != nil {
		t.Fatalf("AppSend: %v", err)
	}
	before := len(rec.sends)

	err := s.AppSend(ctx, ResponseBodyMessage{Body: []byte("late")})
	var unexpected *UnexpectedMessageError
	if !errors.As(err, &unexpected) {
		t.Fatalf("late body: err = %v, want UnexpectedMessageError", err)
	}
	err = s.AppSend(ctx, ResponseStartMessage{Status: 200})
	if !errors.As(err, &unexpected) {
		t.Fatalf("late start: err = %v, want UnexpectedMessageError", err)
	}
	if len(rec.sends) != before {
		t.Errorf("rejected messages produced sends: %v", rec.sends[before:])
	}
	if len(*accesses) != 1 {
		t.Errorf("access reporter fired %d times, want exactly once", len(*accesses))
	}
}

func TestStreamShapeErrorNoTransition(t *testing.T) {
	s, rec, _, _ := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	err := s.AppSend(ctx, ResponseStartMessage{Status: 42})
	var shape *MessageShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("err = %v, want MessageShapeError", err)
	}
	if s.State() != StateRequest {
		t.Errorf("state = %v; shape failures must not transition", s.State())
	}
	if len(rec.sends) != 0 {
		t.Errorf("shape failure produced sends: %v", rec.sends)
	}

	// The stream is still usable with a valid start afterwards.
	if err := s.AppSend(ctx, ResponseStartMessage{Status: 200}); err != nil {
		t.Fatalf("valid start after shape failure: %v", err)
	}
}

func TestStreamFailureSignalSynthesizes500(t *testing.T) {
	s, rec, _, accesses := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	// Buffered start, then the runner reports the application died.
	if err := s.AppSend(ctx, ResponseStartMessage{Status: 200}); err != nil {
		t.Fatalf("AppSend(start): %v", err)
	}
	if err := s.AppSend(ctx, nil); err != nil {
		t.Fatalf("failure signal: %v", err)
	}

	if len(rec.sends) != 3 {
		t.Fatalf("sends = %v, want Response, EndBody, StreamClosed", rec.sends)
	}
	resp := rec.sends[0].(Response)
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if _, ok := rec.sends[1].(EndBody); !ok {
		t.Errorf("second send = %T", rec.sends[1])
	}
	if _, ok := rec.sends[2].(StreamClosed); !ok {
		t.Errorf("third send = %T", rec.sends[2])
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", s.State())
	}
	if len(*accesses) != 1 || (*accesses)[0].status != 500 {
		t.Errorf("access = %+v, want one report with 500", *accesses)
	}

	// The runner's handshake after the failure is a silent no-op.
	if err := s.AppSend(ctx, nil); err != nil {
		t.Errorf("handshake on closed stream: %v", err)
	}
	if len(*accesses) != 1 {
		t.Errorf("handshake re-fired the access reporter")
	}
}

func TestStreamHandshakeAfterCleanCompletion(t *testing.T) {
	s, rec, _, accesses := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	if err := s.AppSend(ctx, ResponseBodyMessage{Body: []byte("ok")}); err != nil {
		t.Fatalf("AppSend: %v", err)
	}
	before := len(rec.sends)
	if err := s.AppSend(ctx, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if len(rec.sends) != before || len(*accesses) != 1 {
		t.Errorf("handshake after completion must have no effect")
	}
}

func TestStreamTransportSendFailureCloses(t *testing.T) {
	s, rec, _, accesses := newTestStream(t)
	ctx := context.Background()
	openStream(t, s)

	rec.err = fmt.Errorf("connection reset")
	if err := s.AppSend(ctx, ResponseBodyMessage{Body: []byte("x")}); err == nil {
		t.Fatal("transport failure must surface to the sender")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED after a failed write", s.State())
	}
	// The wire state is unknowable: nothing further may be attempted. The
	// access reporter still fires exactly once, with the status the stream
	// tried to put on the wire.
	if len(*accesses) != 1 || (*accesses)[0].status != 200 {
		t.Errorf("access after wire failure = %+v, want one entry with status 200", *accesses)
	}
	rec.err = nil
	var unexpected *UnexpectedMessageError
	if err := s.AppSend(ctx, ResponseBodyMessage{}); !errors.As(err, &unexpected) {
		t.Errorf("send after wire failure: %v, want UnexpectedMessageError", err)
	}
	if len(*accesses) != 1 {
		t.Errorf("access must fire only once per stream: %+v", *accesses)
	}
}

func TestStreamDuplicateRequestEvent(t *testing.T) {
	s, _, _, _ := newTestStream(t)
	openStream(t, s)
	err := s.Handle(context.Background(), Request{Stream: 1, Method: "GET", RawPath: []byte("/")})
	if err == nil {
		t.Fatal("duplicate Request event must fail")
	}
}

func TestStreamBodyBeforeRequestEvent(t *testing.T) {
	s, _, _, _ := newTestStream(t)
	err := s.Handle(context.Background(), Body{Stream: 1, Data: []byte("x")})
	if !errors.Is(err, ErrStreamNotStarted) {
		t.Fatalf("err = %v, want ErrStreamNotStarted", err)
	}
}

func TestStreamSpawnFailure(t *testing.T) {
	rec := &transportRecorder{}
	spawner := &queueSpawner{spawnErr: fmt.Errorf("no workers")}
	s := NewStream(1, StreamConfig{}, rec.send, spawner, nil, nil)
	err := s.Handle(context.Background(), Request{Stream: 1, Method: "GET", RawPath: []byte("/")})
	if err == nil {
		t.Fatal("spawn failure must surface from Handle")
	}
}
