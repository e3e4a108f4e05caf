// Package pubsub is the channel transport underneath the event bus:
// subject-based publish and a pull subscription whose receive blocks for
// at most a caller-supplied timeout.
package pubsub

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Subscription.Next when nothing arrived
	// within the timeout. The subscription is still usable.
	ErrTimeout = errors.New("no message within timeout")

	// ErrClosed is returned when the subscription or its connection is
	// gone. Callers must resubscribe.
	ErrClosed = errors.New("subscription closed")
)

// Transport publishes to and subscribes on subjects.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string) (Subscription, error)
}

// Subscription receives messages for one subject.
type Subscription interface {
	// Next waits up to timeout for the next message. It returns
	// ErrTimeout when the window elapses, ctx.Err() when ctx ends, and
	// any other error when the underlying connection dropped.
	Next(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}
