// Package runner executes application code for bridged streams. It owns the
// inbound hand-off channel, converts panics and error returns into the
// bridge's external failure signal, and guarantees the completion handshake
// that lets the bridge detect applications that return without finishing
// their response.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/logger"
)

// Runner spawns one goroutine per stream to run the configured application.
// It implements bridge.AppSpawner.
type Runner struct {
	app bridge.App
	log *logger.Logger
}

// New creates a Runner for the given application. log may be nil.
func New(app bridge.App, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{app: app, log: log}
}

// SpawnApp starts the application for one stream and returns the put
// function the bridge uses to deliver inbound messages. The hand-off
// channel has capacity 1: delivering a message suspends the caller until
// the application has taken the previous one, which is how request-body
// backpressure propagates to the transport.
//
// Whatever way the application ends — clean return, error return, panic —
// the runner sends one final nil message through the outbound path. The
// bridge treats that nil as a no-op handshake when the stream already
// closed, and as the failure signal otherwise, so an application that stops
// mid-response always yields a deterministic error response instead of a
// hanging stream.
func (r *Runner) SpawnApp(ctx context.Context, scope *bridge.Scope, send bridge.AppSendFunc) (bridge.PutFunc, error) {
	if r.app == nil {
		return nil, fmt.Errorf("runner has no application configured")
	}

	inbox := make(chan bridge.Message, 1)
	done := make(chan struct{})

	receive := func(ctx context.Context) (bridge.Message, error) {
		select {
		case msg := <-inbox:
			return msg, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	go func() {
		defer close(done)

		if err := r.run(ctx, scope, receive, send); err != nil {
			r.log.Error("application failed", logger.LogFields{
				"method": scope.Method,
				"path":   scope.Path,
				"error":  err.Error(),
			})
		}

		// Completion handshake. Detached from ctx so the synthesized
		// failure response can still be written while the server drains.
		if err := send(context.WithoutCancel(ctx), nil); err != nil {
			r.log.Debug("completion handshake not accepted", logger.LogFields{
				"path":  scope.Path,
				"error": err.Error(),
			})
		}
	}()

	put := func(ctx context.Context, msg bridge.Message) error {
		select {
		case inbox <- msg:
			return nil
		case <-done:
			// The application already returned; there is nobody left to
			// read body chunks or disconnects, and dropping them is safe.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return put, nil
}

// run invokes the application with panic containment. A panic becomes an
// ordinary error so one misbehaving stream can never take down the
// connection's other streams.
func (r *Runner) run(ctx context.Context, scope *bridge.Scope, receive bridge.ReceiveFunc, send bridge.AppSendFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("application panic: %v\n%s", p, debug.Stack())
		}
	}()
	return r.app(ctx, scope, receive, send)
}
