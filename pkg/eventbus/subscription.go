package eventbus

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/pubsub"
)

// State is the connection state of a Subscription.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the events a Subscription yields.
type EventKind int

const (
	KindHeartbeat EventKind = iota
	KindTaskUpdate
)

func (k EventKind) String() string {
	if k == KindTaskUpdate {
		return "TASK_UPDATE"
	}
	return "HEARTBEAT"
}

// Event is one item of a subscription. Task is set for KindTaskUpdate.
type Event struct {
	Kind EventKind
	Task *plan.Task
}

// Subscription is a resubscribing view of the bus channel. Next must not
// be called concurrently; Close and State may be called from any goroutine.
type Subscription struct {
	bus *Bus

	mu     sync.Mutex
	state  State
	sub    pubsub.Subscription
	closed bool
}

// State reports the current connection state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Subscription) current() (pubsub.Subscription, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub, s.state, s.closed
}

// connect runs the two-attempt subscribe policy.
func (s *Subscription) connect(ctx context.Context) error {
	b := s.bus
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			b.logger.Info("retrying subscribe",
				zap.String("channel", b.cfg.Channel),
				zap.Duration("delay", b.cfg.ReconnectDelay))
			if err := sleep(ctx, b.cfg.ReconnectDelay); err != nil {
				return err
			}
		}

		sub, err := b.transport.Subscribe(ctx, b.cfg.Channel)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = sub.Unsubscribe()
				return ErrClosed
			}
			s.sub = sub
			s.state = StateConnected
			s.mu.Unlock()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		b.logger.Warn("subscribe failed",
			zap.String("channel", b.cfg.Channel),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	s.setState(StateFailed)
	b.logger.Error("giving up on event bus subscription",
		zap.String("channel", b.cfg.Channel),
		zap.Error(lastErr))
	return ErrConnectionLost
}

// Next blocks until a task update arrives or HeartbeatInterval passes
// without one, in which case it returns a heartbeat event. A dropped
// transport is resubscribed transparently; if that fails the subscription
// moves to StateFailed and Next returns ErrConnectionLost from then on.
// Cancelling ctx returns ctx.Err().
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	b := s.bus
	deadline := time.Now().Add(b.cfg.HeartbeatInterval)

	for {
		sub, state, closed := s.current()
		if closed {
			return Event{}, ErrClosed
		}
		if state == StateFailed {
			return Event{}, ErrConnectionLost
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{Kind: KindHeartbeat}, nil
		}

		data, err := sub.Next(ctx, remaining)
		switch {
		case err == nil:
			task, decodeErr := decodeMessage(data)
			if decodeErr != nil {
				Malformed.Inc()
				b.logger.Warn("skipping malformed bus message", zap.Error(decodeErr))
				continue
			}
			if task == nil {
				continue
			}
			return Event{Kind: KindTaskUpdate, Task: task}, nil

		case errors.Is(err, pubsub.ErrTimeout):
			return Event{Kind: KindHeartbeat}, nil

		case ctx.Err() != nil:
			return Event{}, ctx.Err()
		}

		if _, _, closed := s.current(); closed {
			return Event{}, ErrClosed
		}
		b.logger.Warn("event bus subscription dropped, resubscribing",
			zap.String("channel", b.cfg.Channel),
			zap.Error(err))
		if err := s.reconnect(ctx, sub); err != nil {
			return Event{}, err
		}
	}
}

func (s *Subscription) reconnect(ctx context.Context, old pubsub.Subscription) error {
	s.setState(StateReconnecting)
	_ = old.Unsubscribe()

	err := s.connect(ctx)
	switch {
	case err == nil:
		Resubscribes.WithLabelValues("ok").Inc()
		s.bus.logger.Info("event bus subscription restored", zap.String("channel", s.bus.cfg.Channel))
		return nil
	case errors.Is(err, ErrConnectionLost):
		Resubscribes.WithLabelValues("failed").Inc()
	}
	return err
}

// Close unsubscribes. Errors from the transport are swallowed. Close is
// idempotent.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.state = StateDisconnected
	s.mu.Unlock()

	ActiveSubscriptions.Dec()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.bus.logger.Debug("unsubscribe failed", zap.Error(err))
		}
	}
	return nil
}

// Events ranges over Next. The sequence ends after the first error, which
// is yielded; leaving the loop early closes the subscription.
func (s *Subscription) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
