// Package stream relays the plan document and its live updates to a
// single client as a sequence of typed frames.
//
// Frame sequence:
//
//	INITIAL_STATE  the full document, exactly once, first
//	TASK_UPDATE    one committed task, any number of times
//	HEARTBEAT      {} after each idle heartbeat interval
//	ERROR          {"message": "..."} at most once, last
package stream

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/internal/logging"
	"github.com/fyrsmithlabs/planhub/pkg/eventbus"
	"github.com/fyrsmithlabs/planhub/pkg/plan"
)

// Frame types.
const (
	FrameInitialState = "INITIAL_STATE"
	FrameTaskUpdate   = "TASK_UPDATE"
	FrameHeartbeat    = "HEARTBEAT"
	FrameError        = "ERROR"
)

// Frame is one typed message to the client. Data is JSON-encoded by the
// writer.
type Frame struct {
	Type string
	Data any
}

// ErrorData is the payload of an ERROR frame.
type ErrorData struct {
	Message string `json:"message"`
}

// FrameWriter delivers frames to one client.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// StateReader provides the initial document.
type StateReader interface {
	GetState(ctx context.Context) (plan.Document, error)
}

// Subscriber opens event bus subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) (*eventbus.Subscription, error)
}

// Gateway serves frame streams. One Gateway is shared by all clients.
type Gateway struct {
	state  StateReader
	bus    Subscriber
	logger *zap.Logger
}

// NewGateway creates a Gateway.
func NewGateway(state StateReader, bus Subscriber, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		state:  state,
		bus:    bus,
		logger: logger.Named("stream"),
	}
}

// Serve streams to w until the client goes away, ctx is cancelled or the
// event bus connection is lost. disconnected is polled once per loop
// iteration; a nil func means "never".
//
// Client departure and cancellation return nil. A failed initial read or
// a lost bus connection is reported to the client as an ERROR frame and
// also returned. Write failures are returned as-is.
func (g *Gateway) Serve(ctx context.Context, w FrameWriter, disconnected func() bool) error {
	ActiveClients.Inc()
	defer ActiveClients.Dec()

	if disconnected == nil {
		disconnected = func() bool { return false }
	}

	log := g.logger.With(logging.ContextFields(ctx)...)

	doc, err := g.state.GetState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("stream: failed to fetch initial state", zap.Error(err))
		return g.fail(log, w, fmt.Errorf("failed to fetch initial state: %w", err))
	}
	if err := g.write(w, Frame{Type: FrameInitialState, Data: doc}); err != nil {
		return err
	}

	sub, err := g.bus.Subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return g.fail(log, w, err)
	}
	defer sub.Close()

	for {
		if disconnected() {
			log.Debug("stream client disconnected")
			return nil
		}

		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, eventbus.ErrConnectionLost) {
				log.Warn("stream: event bus connection lost")
				return g.fail(log, w, err)
			}
			return err
		}

		var frame Frame
		switch ev.Kind {
		case eventbus.KindTaskUpdate:
			frame = Frame{Type: FrameTaskUpdate, Data: ev.Task}
		default:
			frame = Frame{Type: FrameHeartbeat, Data: struct{}{}}
		}
		if err := g.write(w, frame); err != nil {
			return err
		}
	}
}

func (g *Gateway) fail(log *zap.Logger, w FrameWriter, cause error) error {
	if err := g.write(w, Frame{Type: FrameError, Data: ErrorData{Message: cause.Error()}}); err != nil {
		log.Debug("stream: failed to deliver error frame", zap.Error(err))
	}
	return cause
}

func (g *Gateway) write(w FrameWriter, f Frame) error {
	if err := w.WriteFrame(f); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	Frames.WithLabelValues(f.Type).Inc()
	return nil
}
