// Package echo provides the built-in diagnostic application: it answers
// every request with a plain-text description of the scope and echoes the
// request body back.
package echo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/config"
	"example.com/llmabridge/v2/internal/logger"
)

// New builds the echo application. cfg and log may be nil.
func New(cfg *config.EchoAppConfig, log *logger.Logger) bridge.App {
	if cfg == nil {
		cfg = &config.EchoAppConfig{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	a := &app{cfg: *cfg, log: log}
	return a.serve
}

type app struct {
	cfg config.EchoAppConfig
	log *logger.Logger
}

func (a *app) serve(ctx context.Context, scope *bridge.Scope, receive bridge.ReceiveFunc, send bridge.AppSendFunc) error {
	body, disconnected, err := drainRequest(ctx, receive)
	if err != nil {
		return err
	}
	if disconnected {
		return nil
	}

	summary := a.summarize(scope, len(body))
	total := len(summary) + len(body)

	err = send(ctx, bridge.ResponseStartMessage{
		Status: 200,
		Headers: []bridge.HeaderField{
			{Name: []byte("content-type"), Value: []byte("text/plain; charset=utf-8")},
			{Name: []byte("content-length"), Value: []byte(strconv.Itoa(total))},
		},
	})
	if err != nil {
		return err
	}

	// A request with a body gets a two-chunk response, exercising the
	// streaming (RESPONSE-state) path; otherwise the whole answer goes in
	// one final chunk.
	if len(body) > 0 {
		if err := send(ctx, bridge.ResponseBodyMessage{Body: summary, MoreBody: true}); err != nil {
			return err
		}
		return send(ctx, bridge.ResponseBodyMessage{Body: body})
	}
	return send(ctx, bridge.ResponseBodyMessage{Body: summary})
}

// drainRequest consumes the inbound message stream until the request body
// is complete or the client disconnects.
func drainRequest(ctx context.Context, receive bridge.ReceiveFunc) (body []byte, disconnected bool, err error) {
	for {
		msg, err := receive(ctx)
		if err != nil {
			return nil, false, err
		}
		switch m := msg.(type) {
		case bridge.DisconnectMessage:
			return nil, true, nil
		case bridge.RequestMessage:
			body = append(body, m.Body...)
			if !m.MoreBody {
				return body, false, nil
			}
		default:
			return nil, false, fmt.Errorf("unexpected inbound message %q", msg.Type())
		}
	}
}

func (a *app) summarize(scope *bridge.Scope, bodyLen int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/%s\n", scope.Method, scope.Path, scope.HTTPVersion)
	fmt.Fprintf(&b, "scheme: %s\n", scope.Scheme)
	if len(scope.QueryString) > 0 {
		fmt.Fprintf(&b, "query: %s\n", scope.QueryString)
	}
	if scope.RootPath != "" {
		fmt.Fprintf(&b, "root_path: %s\n", scope.RootPath)
	}
	if scope.Client != nil {
		fmt.Fprintf(&b, "client: %s\n", scope.Client)
	}
	for _, h := range scope.Headers {
		if a.cfg.HeaderPrefix != "" {
			if !strings.HasPrefix(strings.ToLower(string(h.Name)), strings.ToLower(a.cfg.HeaderPrefix)) {
				continue
			}
		}
		fmt.Fprintf(&b, "header %s: %s\n", h.Name, h.Value)
	}
	if bodyLen > 0 {
		fmt.Fprintf(&b, "body (%d bytes):\n", bodyLen)
	}
	return []byte(b.String())
}
