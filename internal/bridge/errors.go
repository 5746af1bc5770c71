package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway call failure.
type Kind string

const (
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindProtocol  Kind = "protocol"
	KindRejected  Kind = "rejected"
	KindCanceled  Kind = "canceled"
)

// Error is the single failure type surfaced by Ask and Stream.Next.
// Error() returns Message verbatim so callers can show it to users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors for fixed failure messages.
var (
	ErrTimeout        = &Error{Kind: KindTimeout, Message: "gateway timeout"}
	ErrInvalidPayload = &Error{Kind: KindProtocol, Message: "invalid gateway payload"}
)

func rejected(msg string) *Error {
	return &Error{Kind: KindRejected, Message: msg}
}

func transportError(state readyState, url string, err error) *Error {
	detail := "closed"
	if state != stateClosed {
		detail = fmt.Sprintf("state:%d", state)
	}
	return &Error{
		Kind:    KindTransport,
		Message: fmt.Sprintf("gateway websocket error (%s) url=%s", detail, url),
		Err:     err,
	}
}

func closeError(code int, reason, url string) *Error {
	msg := fmt.Sprintf("gateway websocket closed code=%d", code)
	if reason != "" {
		msg += " reason=" + reason
	}
	return &Error{Kind: KindTransport, Message: msg + " url=" + url}
}

func canceled(err error) *Error {
	return &Error{Kind: KindCanceled, Message: "gateway call canceled: " + err.Error(), Err: err}
}

// KindOf reports the failure kind of err, or "" for errors not produced here.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
