// Package transport defines the request/response channel to the messaging
// service.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xdsaini/telegramdrive/pkg/protocol"
	"github.com/0xdsaini/telegramdrive/pkg/retry"
)

// Transport sends one request and waits for its response. Implementations
// must be safe for concurrent use.
//
// A remote failure is returned as a *protocol.Error; failures of the channel
// itself (network, timeouts) are returned as-is.
type Transport interface {
	Send(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req protocol.Request) (protocol.Response, error)

// Send implements Transport.
func (f Func) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	return f(ctx, req)
}

// ErrUnexpectedResponse is returned when the response type does not match
// the request.
var ErrUnexpectedResponse = errors.New("unexpected response type")

// Call sends req and asserts the response type.
func Call[T protocol.Response](ctx context.Context, t Transport, req protocol.Request) (T, error) {
	var zero T
	resp, err := t.Send(ctx, req)
	if err != nil {
		return zero, err
	}
	if rerr, ok := resp.(*protocol.Error); ok {
		return zero, rerr
	}
	out, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("%s: %w %T", req.TypeName(), ErrUnexpectedResponse, resp)
	}
	return out, nil
}

// AsRemoteError checks if an error is a *protocol.Error.
func AsRemoteError(err error) (*protocol.Error, bool) {
	var re *protocol.Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsNotFound reports whether the service answered 404.
func IsNotFound(err error) bool {
	re, ok := AsRemoteError(err)
	return ok && re.Code == 404
}

// MarkRetryable wraps err as retryable unless the service rejected the
// request permanently.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	if re, ok := AsRemoteError(err); ok && !re.Temporary() {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return retry.Retryable(err)
}
