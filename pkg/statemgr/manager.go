// Package statemgr owns the read-modify-write protocol of the shared plan
// document.
//
// All writers go through UpdateTask, which runs an optimistic
// compare-and-swap loop against a docstore.Store: watch the document key,
// apply the change to a private copy, and commit only if nobody else
// committed in between. Conflicting writers retry against the newer value
// up to a fixed attempt budget. The document is locked as a whole, so a
// burst of unrelated task updates can exhaust the budget; that ceiling is
// reported as a contention error rather than hidden.
//
// A missing or unreadable document is never reported to readers. It is
// replaced with the default template and the template is returned.
package statemgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/internal/logging"
	"github.com/fyrsmithlabs/planhub/pkg/docstore"
	"github.com/fyrsmithlabs/planhub/pkg/plan"
)

const (
	// DefaultKey is the store key of the plan document.
	DefaultKey = "planhub.v1.master_plan_state"

	// DefaultMaxAttempts is the CAS attempt budget per update.
	DefaultMaxAttempts = 5

	instrumentationName = "github.com/fyrsmithlabs/planhub/pkg/statemgr"
)

// Publisher receives every committed task update. Implementations must not
// block for long and must swallow their own failures.
type Publisher interface {
	Publish(ctx context.Context, task *plan.Task)
}

// Config configures a Manager.
type Config struct {
	// Key is the store key of the document. Defaults to DefaultKey.
	Key string

	// MaxAttempts bounds the CAS loop. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// RetryBackoff is the initial jittered delay between conflicting
	// attempts. Zero retries immediately.
	RetryBackoff time.Duration

	// Template seeds the store when the document is missing, corrupt or
	// reset. Defaults to plan.DefaultTemplate().
	Template plan.Document
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher notifies p after each committed update.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Manager implements the plan document protocol. It is safe for
// concurrent use; it holds no locks and keeps no copy of the document.
type Manager struct {
	store       docstore.Store
	key         string
	maxAttempts int
	backoffBase time.Duration
	template    plan.Document
	publisher   Publisher
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewManager creates a Manager on top of store.
func NewManager(store docstore.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", cfg.MaxAttempts)
	}
	if cfg.Template == nil {
		cfg.Template = plan.DefaultTemplate()
	} else if err := plan.Validate(cfg.Template); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	m := &Manager{
		store:       store,
		key:         cfg.Key,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.RetryBackoff,
		template:    cfg.Template.Clone(),
		tracer:      otel.Tracer(instrumentationName),
		logger:      logger.Named("statemgr"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Key returns the store key of the document.
func (m *Manager) Key() string {
	return m.key
}

// GetState returns the current document. A missing or undecodable
// document is replaced by the template, which is then returned. Only store
// failures are reported, as KindTransport.
func (m *Manager) GetState(ctx context.Context) (plan.Document, error) {
	ctx, span := m.tracer.Start(ctx, "statemgr.GetState")
	defer span.End()

	data, err := m.store.Get(ctx, m.key)
	if errors.Is(err, docstore.ErrNotFound) {
		m.log(ctx).Info("plan document missing, initializing from template", zap.String("key", m.key))
		return m.reinitialize(ctx, span, "missing")
	}
	if err != nil {
		return nil, m.failSpan(span, newError(KindTransport, "", err))
	}

	doc, err := plan.Decode(data)
	if err != nil {
		m.log(ctx).Warn("plan document corrupt, resetting to template",
			zap.String("key", m.key),
			zap.Int("bytes", len(data)),
			zap.Error(newError(KindCorruptState, "", err)))
		return m.reinitialize(ctx, span, "corrupt")
	}
	return doc, nil
}

func (m *Manager) reinitialize(ctx context.Context, span trace.Span, reason string) (plan.Document, error) {
	span.SetAttributes(attribute.String("plan.reset_reason", reason))
	if err := m.writeTemplate(ctx, reason); err != nil {
		return nil, m.failSpan(span, err)
	}
	return m.template.Clone(), nil
}

// ResetState unconditionally overwrites the document with the template.
func (m *Manager) ResetState(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "statemgr.ResetState")
	defer span.End()

	if err := m.writeTemplate(ctx, "manual"); err != nil {
		return m.failSpan(span, err)
	}
	m.log(ctx).Info("plan document reset", zap.String("key", m.key))
	return nil
}

func (m *Manager) writeTemplate(ctx context.Context, reason string) error {
	data, err := plan.Encode(m.template)
	if err != nil {
		return newError(KindTransport, "", err)
	}
	if err := m.store.Set(ctx, m.key, data); err != nil {
		return newError(KindTransport, "", fmt.Errorf("writing template: %w", err))
	}
	StateResets.WithLabelValues(reason).Inc()
	return nil
}

// UpdateTask applies u to the task with the given id and returns the
// committed task.
//
// Errors are *Error values: KindValidation when u changes nothing,
// KindNotFound when no task has the id, KindIntegrity when the stored
// document has duplicate ids, KindContention when every attempt lost a
// race, and KindTransport for any other store failure.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, u plan.Update) (*plan.Task, error) {
	ctx, span := m.tracer.Start(ctx, "statemgr.UpdateTask",
		trace.WithAttributes(attribute.String("plan.task_id", taskID)))
	defer span.End()

	task, attempts, err := m.updateTask(ctx, taskID, u)
	span.SetAttributes(attribute.Int("plan.attempts", attempts))
	recordUpdate(err, attempts)
	if err != nil {
		return nil, m.failSpan(span, err)
	}

	m.log(ctx).Debug("task updated",
		zap.String("task_id", task.ID),
		zap.Int("progress", task.Progress),
		zap.String("status", string(task.Status)),
		zap.Int("attempts", attempts))

	// The write is committed; fan-out must not depend on the caller
	// staying connected.
	if m.publisher != nil {
		m.publisher.Publish(context.WithoutCancel(ctx), task)
	}
	return task, nil
}

func (m *Manager) updateTask(ctx context.Context, taskID string, u plan.Update) (*plan.Task, int, error) {
	if taskID == "" {
		return nil, 0, newError(KindValidation, "", errors.New("task_id is required"))
	}
	if err := u.Validate(); err != nil {
		return nil, 0, newError(KindValidation, taskID, err)
	}

	var bo *backoff.ExponentialBackOff
	if m.backoffBase > 0 {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = m.backoffBase
		bo.MaxInterval = 8 * m.backoffBase
		bo.Reset()
	}

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		task, err := m.attempt(ctx, taskID, u)
		switch {
		case err == nil:
			UpdateAttempts.WithLabelValues("committed").Inc()
			return task, attempt, nil
		case errors.Is(err, docstore.ErrConflict):
			UpdateAttempts.WithLabelValues("conflict").Inc()
			m.log(ctx).Debug("update conflict, retrying",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.maxAttempts))
		case KindOf(err) == KindNotFound:
			UpdateAttempts.WithLabelValues("not_found").Inc()
			return nil, attempt, err
		default:
			UpdateAttempts.WithLabelValues("error").Inc()
			return nil, attempt, err
		}

		if bo != nil && attempt < m.maxAttempts {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return nil, attempt, err
			}
		}
	}

	m.log(ctx).Warn("update gave up after conflicts",
		zap.String("task_id", taskID),
		zap.Int("attempts", m.maxAttempts))
	return nil, m.maxAttempts, newError(KindContention, taskID, nil)
}

// attempt runs one watch/modify/commit cycle. It returns
// docstore.ErrConflict unwrapped when the commit lost a race.
func (m *Manager) attempt(ctx context.Context, taskID string, u plan.Update) (*plan.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn, err := m.store.Watch(ctx, m.key)
	if err != nil {
		return nil, newError(KindTransport, taskID, err)
	}

	doc := m.decodeOrTemplate(ctx, txn)

	idx, err := plan.BuildIndex(doc)
	if err != nil {
		txn.Discard()
		m.log(ctx).Error("plan document has duplicate task ids", zap.Error(err))
		return nil, newError(KindIntegrity, taskID, err)
	}

	task, _, ok := idx.Lookup(taskID)
	if !ok {
		txn.Discard()
		return nil, newError(KindNotFound, taskID, nil)
	}
	plan.ApplyUpdate(task, u)

	data, err := plan.Encode(doc)
	if err != nil {
		txn.Discard()
		return nil, newError(KindTransport, taskID, err)
	}

	if err := txn.Commit(ctx, data); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return nil, docstore.ErrConflict
		}
		return nil, newError(KindTransport, taskID, err)
	}

	out := *task
	return &out, nil
}

// decodeOrTemplate returns the watched document, or a template copy when
// the key is absent or undecodable. The commit then replaces the bad value.
func (m *Manager) decodeOrTemplate(ctx context.Context, txn docstore.Txn) plan.Document {
	data, exists := txn.Value()
	if !exists {
		return m.template.Clone()
	}
	doc, err := plan.Decode(data)
	if err != nil {
		m.log(ctx).Warn("plan document corrupt during update, rebuilding from template",
			zap.String("key", m.key),
			zap.Error(err))
		return m.template.Clone()
	}
	return doc
}

// log returns the manager logger carrying the request and trace ids of ctx.
func (m *Manager) log(ctx context.Context) *zap.Logger {
	if fields := logging.ContextFields(ctx); len(fields) > 0 {
		return m.logger.With(fields...)
	}
	return m.logger
}

func (m *Manager) failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
