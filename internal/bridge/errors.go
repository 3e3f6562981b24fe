package bridge

import (
	"errors"
	"fmt"
)

// ErrStreamNotStarted reports a Body or EndBody transport event delivered
// before the stream's Request event. That ordering is the transport's to
// guarantee, so hitting this error is a transport-layer bug.
var ErrStreamNotStarted = errors.New("stream has no running application (no Request event seen)")

// UnexpectedMessageError is the protocol-violation error: the application
// sent a message whose type is not allowed in the stream's current state,
// or whose type is not a recognized outbound tag at all. It indicates a
// misbehaving application or a bridge-usage bug, never malformed content.
type UnexpectedMessageError struct {
	State       StreamState
	MessageType string
}

// NewUnexpectedMessageError creates an UnexpectedMessageError for the given
// state and message type tag.
func NewUnexpectedMessageError(state StreamState, messageType string) *UnexpectedMessageError {
	return &UnexpectedMessageError{State: state, MessageType: messageType}
}

// Error implements the error interface for UnexpectedMessageError.
func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message type %q for stream state %s", e.MessageType, e.State)
}

// MessageShapeError is the shape-validation error: the message's type was
// acceptable for the current state but its content failed validation. It is
// a distinct type from UnexpectedMessageError so callers can tell "wrong
// message for this moment" from "malformed message content".
type MessageShapeError struct {
	MessageType string
	Field       string
	Reason      string
}

// NewMessageShapeError creates a MessageShapeError for one offending field.
func NewMessageShapeError(messageType, field, reason string) *MessageShapeError {
	return &MessageShapeError{MessageType: messageType, Field: field, Reason: reason}
}

// Error implements the error interface for MessageShapeError.
func (e *MessageShapeError) Error() string {
	return fmt.Sprintf("invalid %s message: %s %s", e.MessageType, e.Field, e.Reason)
}
