package livechat

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrUnknownTarget  = errors.New("unknown target message")
	ErrNotConfirmed   = errors.New("target message is not confirmed")
	ErrAlreadyDeleted = errors.New("target message is already deleted")
	ErrEmptyContent   = errors.New("message content is empty")
	ErrUnsupported    = errors.New("command not supported by session profile")
	ErrRateLimited    = errors.New("command rate limit exceeded")
	ErrConfirmTimeout = errors.New("no confirmation before timeout")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotStarted     = errors.New("session not started")
	ErrNotFailed      = errors.New("command has not failed")
)

// TransportError wraps a connection failure with its category.
type TransportError struct {
	Category ReasonCategory
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Category, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// categorize maps any connection error onto a reason category.
func categorize(err error) ReasonCategory {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Category
	}
	return ReasonTransport
}

// FetchError is returned when the history snapshot could not be loaded.
type FetchError struct {
	Topic string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history for %s: %v", e.Topic, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedEventError is reported for live frames that cannot be decoded.
type MalformedEventError struct {
	Topic string
	Body  []byte
	Err   error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event on %s: %v", e.Topic, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// CommandRejectedError is resolved on a handle when the server refuses a
// send, edit or delete.
type CommandRejectedError struct {
	Op     CommandOp
	Reason string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

var errConnectionClosed = errors.New("connection closed by peer")
