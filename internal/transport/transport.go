// Package transport carries request/reply calls between clerks and
// key/value servers, and between servers for replication.
//
// Every Client implementation honours the same contract: a call either
// fills in reply and returns nil, or returns an error. Lost requests,
// lost replies, dead peers and expired contexts all come back wrapped
// in ErrTimeout, so callers can treat them the same way.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTimeout means no reply arrived. The request may or may not
	// have been executed by the server.
	ErrTimeout = errors.New("transport: call timed out")

	// ErrRemote means the server answered, but with an error instead
	// of a reply.
	ErrRemote = errors.New("transport: remote error")
)

// Client sends one call to one server.
type Client interface {
	Call(ctx context.Context, method string, args any, reply any) error
}

// Service is the receiving side of an in-process call.
type Service interface {
	Dispatch(method string, args any, reply any) error
}

// IsTimeout reports whether err means the call got no reply.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
