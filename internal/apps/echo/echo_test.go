package echo

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/config"
)

// runApp drives an application with a scripted inbound message sequence
// and captures everything it sends.
func runApp(t *testing.T, app bridge.App, scope *bridge.Scope, inbound []bridge.Message) []bridge.Message {
	t.Helper()
	i := 0
	receive := func(ctx context.Context) (bridge.Message, error) {
		if i >= len(inbound) {
			t.Fatal("application asked for more inbound messages than scripted")
		}
		msg := inbound[i]
		i++
		return msg, nil
	}
	var sent []bridge.Message
	send := func(ctx context.Context, msg bridge.Message) error {
		sent = append(sent, msg)
		return nil
	}
	if err := app(context.Background(), scope, receive, send); err != nil {
		t.Fatalf("app returned error: %v", err)
	}
	return sent
}

func getScope(path string) *bridge.Scope {
	return &bridge.Scope{
		Type:        "http",
		HTTPVersion: "1.1",
		Method:      "GET",
		Scheme:      "http",
		Path:        path,
		Headers: []bridge.HeaderField{
			{Name: []byte("host"), Value: []byte("example.test")},
			{Name: []byte("x-trace"), Value: []byte("abc")},
		},
	}
}

func TestEchoBodilessRequest(t *testing.T) {
	app := New(nil, nil)
	sent := runApp(t, app, getScope("/hello"), []bridge.Message{
		bridge.RequestMessage{},
	})

	if len(sent) != 2 {
		t.Fatalf("sent = %v, want start + one final body", sent)
	}
	start := sent[0].(bridge.ResponseStartMessage)
	if start.Status != 200 {
		t.Errorf("status = %d", start.Status)
	}
	body := sent[1].(bridge.ResponseBodyMessage)
	if body.MoreBody {
		t.Errorf("single-chunk response must be final")
	}
	text := string(body.Body)
	if !strings.HasPrefix(text, "GET /hello HTTP/1.1\n") {
		t.Errorf("summary = %q", text)
	}
	if !strings.Contains(text, "header host: example.test\n") {
		t.Errorf("summary lacks headers: %q", text)
	}

	var length string
	for _, h := range start.Headers {
		if string(h.Name) == "content-length" {
			length = string(h.Value)
		}
	}
	if length != strconv.Itoa(len(body.Body)) {
		t.Errorf("content-length = %q, body is %d bytes", length, len(body.Body))
	}
}

func TestEchoStreamsBodyBack(t *testing.T) {
	app := New(nil, nil)
	scope := getScope("/submit")
	scope.Method = "POST"
	sent := runApp(t, app, scope, []bridge.Message{
		bridge.RequestMessage{Body: []byte("chunk one "), MoreBody: true},
		bridge.RequestMessage{Body: []byte("chunk two")},
	})

	if len(sent) != 3 {
		t.Fatalf("sent = %v, want start + summary chunk + echo chunk", sent)
	}
	summary := sent[1].(bridge.ResponseBodyMessage)
	if !summary.MoreBody {
		t.Errorf("summary chunk must announce more body")
	}
	echoed := sent[2].(bridge.ResponseBodyMessage)
	if echoed.MoreBody || string(echoed.Body) != "chunk one chunk two" {
		t.Errorf("echo chunk = %+v", echoed)
	}

	start := sent[0].(bridge.ResponseStartMessage)
	for _, h := range start.Headers {
		if string(h.Name) == "content-length" {
			want := len(summary.Body) + len(echoed.Body)
			if string(h.Value) != strconv.Itoa(want) {
				t.Errorf("content-length = %s, want %d", h.Value, want)
			}
		}
	}
}

func TestEchoHeaderPrefixFilter(t *testing.T) {
	app := New(&config.EchoAppConfig{HeaderPrefix: "x-"}, nil)
	sent := runApp(t, app, getScope("/"), []bridge.Message{bridge.RequestMessage{}})

	text := string(sent[1].(bridge.ResponseBodyMessage).Body)
	if strings.Contains(text, "header host:") {
		t.Errorf("host header should be filtered out: %q", text)
	}
	if !strings.Contains(text, "header x-trace: abc") {
		t.Errorf("x-trace header should survive the filter: %q", text)
	}
}

func TestEchoDisconnectBeforeBody(t *testing.T) {
	app := New(nil, nil)
	sent := runApp(t, app, getScope("/"), []bridge.Message{bridge.DisconnectMessage{}})
	if len(sent) != 0 {
		t.Errorf("a disconnected stream must produce no response, got %v", sent)
	}
}
