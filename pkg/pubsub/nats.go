package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport implements Transport over core NATS subjects.
//
// The connection is shared and owned by the caller. nats.go already
// reconnects the underlying socket and replays subscriptions; what
// reaches the event bus as a dropped connection is a closed connection,
// an invalidated subscription or a slow-consumer eviction.
type NATSTransport struct {
	nc *nats.Conn
}

// NewNATSTransport wraps an established connection.
func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc}
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.nc.IsClosed() {
		return nil, fmt.Errorf("subscribe %s: %w", subject, nats.ErrConnectionClosed)
	}
	sub, err := t.nc.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Make sure the server registered interest before the caller relies
	// on receiving messages.
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: flush: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.sub.NextMsgWithContext(waitCtx)
	if err == nil {
		return msg.Data, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, ErrTimeout
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return nil, err
	}
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
