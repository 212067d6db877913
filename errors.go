// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package q3rcon

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Kind classifies the errors returned by a [Client]. Transport kinds ([KindConnection] and
// [KindTimeout]) are retried internally, while data kinds are returned on first occurrence.
type Kind int

const (
	// KindConnection is a transport failure such as a failed dial or send, or an operation attempted
	// while the client is disconnected.
	KindConnection Kind = iota + 1

	// KindTimeout indicates that a deadline elapsed before an operation could make progress.
	KindTimeout

	// KindProtocol indicates that a datagram did not follow the out-of-band framing.
	KindProtocol

	// KindAuthentication indicates that the server rejected the RCON password.
	KindAuthentication

	// KindVerification indicates that the heartbeat check performed while connecting did not get the
	// expected reply.
	KindVerification
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindVerification:
		return "verification"
	default:
		return "unknown"
	}
}

// Error is the error type returned by this package. Use [errors.Is] against one of the kind
// sentinels ([ErrConnection], [ErrTimeout], [ErrProtocol], [ErrUnauthorized], [ErrVerification]) to
// test the kind of a returned error.
type Error struct {
	// Kind is the classification of the failure.
	Kind Kind

	// Op names the operation that failed, e.g. "dial", "send" or "read". It may be empty.
	Op string

	// Err is the underlying cause. It may be nil.
	Err error
}

func (e *Error) Error() string {
	msg := "q3rcon: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	if e.Err != nil {
		return msg + e.Err.Error()
	}
	return msg + e.Kind.String() + " error"
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare kind sentinel (an [*Error] with no Op and no Err) of the same
// kind as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels. errors.Is matches any [*Error] of the same kind against these.
var (
	ErrConnection   = &Error{Kind: KindConnection}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrUnauthorized = &Error{Kind: KindAuthentication}
	ErrVerification = &Error{Kind: KindVerification}

	// ErrNotConnected is returned by operations that need a connection when the client has none.
	ErrNotConnected = &Error{Kind: KindConnection, Err: errors.New("not connected")}

	// ErrAlreadyConnected is returned by [Client.Connect] when the client holds a connection.
	ErrAlreadyConnected = &Error{Kind: KindConnection, Err: errors.New("already connected")}
)

// KindOf returns the [Kind] of err, or zero when err was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether err is a transport failure that may succeed when the same operation
// is attempted again. Cancellation of the caller's context is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err is a timeout, either as [ErrTimeout] or as a [net.Error] that timed
// out.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func newError(kind Kind, op string, err error) *Error {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// transportError classifies a socket error as a timeout or connection failure.
func transportError(op string, err error) *Error {
	if IsTimeout(err) {
		return newError(KindTimeout, op, err)
	}
	return newError(KindConnection, op, err)
}
