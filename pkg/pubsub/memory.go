package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInjected is the error returned by MemoryTransport fault injection.
var ErrInjected = errors.New("injected transport failure")

// MemoryTransport is an in-process Transport that fans each published
// message out to every live subscription on the subject. It can inject
// subscribe failures, publish failures and dropped connections.
type MemoryTransport struct {
	mu             sync.Mutex
	subs           map[string]map[*memSubscription]struct{}
	failSubscribes int
	failPublish    bool
	subscribes     int
	unsubscribes   int
	bufferSize     int
}

// NewMemoryTransport creates a MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:       make(map[string]map[*memSubscription]struct{}),
		bufferSize: 64,
	}
}

// FailSubscribes makes the next n Subscribe calls fail.
func (t *MemoryTransport) FailSubscribes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSubscribes = n
}

// FailPublish makes Publish fail until reset.
func (t *MemoryTransport) FailPublish(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failPublish = fail
}

// Drop severs every live subscription, as if the connection went away.
func (t *MemoryTransport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for subject, set := range t.subs {
		for s := range set {
			s.sever()
		}
		delete(t.subs, subject)
	}
}

// Subscribers returns the number of live subscriptions on subject.
func (t *MemoryTransport) Subscribers(subject string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[subject])
}

// Stats returns how many Subscribe calls succeeded and how many
// subscriptions were unsubscribed.
func (t *MemoryTransport) Stats() (subscribes, unsubscribes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes, t.unsubscribes
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPublish {
		return ErrInjected
	}
	for s := range t.subs[subject] {
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
			// Slow consumer: evict, like a NATS server would.
			s.sever()
			delete(t.subs[subject], s)
		}
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSubscribes > 0 {
		t.failSubscribes--
		return nil, ErrInjected
	}
	s := &memSubscription{
		transport: t,
		subject:   subject,
		ch:        make(chan []byte, t.bufferSize),
		severed:   make(chan struct{}),
	}
	if t.subs[subject] == nil {
		t.subs[subject] = make(map[*memSubscription]struct{})
	}
	t.subs[subject][s] = struct{}{}
	t.subscribes++
	return s, nil
}

type memSubscription struct {
	transport *MemoryTransport
	subject   string
	ch        chan []byte
	severed   chan struct{}
	once      sync.Once
	unsubOnce sync.Once
}

func (s *memSubscription) sever() {
	s.once.Do(func() { close(s.severed) })
}

func (s *memSubscription) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Deliver buffered messages before reporting a drop.
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.severed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memSubscription) Unsubscribe() error {
	s.unsubOnce.Do(func() {
		t := s.transport
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[s.subject], s)
		t.unsubscribes++
		s.sever()
	})
	return nil
}
