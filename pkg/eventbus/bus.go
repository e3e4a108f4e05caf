// Package eventbus fans committed task updates out to stream subscribers
// over a pubsub.Transport.
//
// Publishing is fire-and-forget. Subscribing yields a Subscription that
// turns silence into heartbeats and hides short transport outages by
// resubscribing; only a subscription that cannot be restored is surfaced,
// as ErrConnectionLost.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/pubsub"
)

const (
	// DefaultChannel is the subject task updates are published on.
	DefaultChannel = "planhub.v1.events"

	// DefaultHeartbeatInterval is how long Next waits before reporting a
	// heartbeat.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultReconnectDelay separates the two subscribe attempts.
	DefaultReconnectDelay = 5 * time.Second

	// TypeTaskUpdate is the message type of a committed task update.
	TypeTaskUpdate = "TASK_UPDATE"
)

var (
	// ErrConnectionLost is returned when a subscription could not be
	// established or restored. It is terminal for the subscription.
	ErrConnectionLost = errors.New("connection to event bus lost")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("subscription closed")
)

// Message is the wire envelope on the channel.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Config configures a Bus.
type Config struct {
	Channel           string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// Bus publishes task updates and opens subscriptions.
type Bus struct {
	transport pubsub.Transport
	cfg       Config
	logger    *zap.Logger
}

// New creates a Bus over transport. Zero config fields take defaults.
func New(transport pubsub.Transport, cfg Config, logger *zap.Logger) (*Bus, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval < 0 || cfg.ReconnectDelay < 0 {
		return nil, fmt.Errorf("intervals must be positive: heartbeat=%s reconnect=%s",
			cfg.HeartbeatInterval, cfg.ReconnectDelay)
	}
	return &Bus{
		transport: transport,
		cfg:       cfg,
		logger:    logger.Named("eventbus"),
	}, nil
}

// Channel returns the subject the bus publishes on.
func (b *Bus) Channel() string {
	return b.cfg.Channel
}

// Publish broadcasts a task update. Failures are logged and counted but
// never returned: the update is already committed.
func (b *Bus) Publish(ctx context.Context, task *plan.Task) {
	data, err := encodeTaskUpdate(task)
	if err != nil {
		Published.WithLabelValues("error").Inc()
		b.logger.Warn("failed to encode task update", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if err := b.transport.Publish(ctx, b.cfg.Channel, data); err != nil {
		Published.WithLabelValues("error").Inc()
		b.logger.Warn("failed to publish task update",
			zap.String("task_id", task.ID),
			zap.String("channel", b.cfg.Channel),
			zap.Error(err))
		return
	}

	Published.WithLabelValues("ok").Inc()
	b.logger.Debug("published task update", zap.String("task_id", task.ID))
}

func encodeTaskUpdate(task *plan.Task) ([]byte, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshaling task: %w", err)
	}
	return json.Marshal(Message{
		Type:    TypeTaskUpdate,
		ID:      uuid.NewString(),
		Payload: payload,
	})
}

// decodeMessage parses a wire message. It returns a nil task for
// well-formed messages of other types.
func decodeMessage(data []byte) (*plan.Task, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type != TypeTaskUpdate {
		return nil, nil
	}
	var task plan.Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	if task.ID == "" {
		return nil, errors.New("task update without id")
	}
	return &task, nil
}

// Subscribe opens a subscription on the bus channel. If the first attempt
// fails it waits ReconnectDelay and tries once more; when both fail it
// returns ErrConnectionLost.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	s := &Subscription{bus: b, state: StateDisconnected}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	ActiveSubscriptions.Inc()
	return s, nil
}
