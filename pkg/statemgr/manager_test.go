package statemgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/planhub/internal/logging"
	"github.com/fyrsmithlabs/planhub/internal/natstest"
	"github.com/fyrsmithlabs/planhub/pkg/docstore"
	"github.com/fyrsmithlabs/planhub/pkg/eventbus"
	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/pubsub"
)

type recordingPublisher struct {
	mu    sync.Mutex
	tasks []plan.Task
}

func (p *recordingPublisher) Publish(_ context.Context, task *plan.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, *task)
}

func (p *recordingPublisher) published() []plan.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plan.Task(nil), p.tasks...)
}

// failingStore fails every operation with a transport-style error.
type failingStore struct {
	*docstore.MemoryStore
	err error
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) { return nil, s.err }
func (s *failingStore) Set(context.Context, string, []byte) error   { return s.err }
func (s *failingStore) Watch(context.Context, string) (docstore.Txn, error) {
	return nil, s.err
}

func newTestManager(t *testing.T, store docstore.Store, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(store, cfg, nil, opts...)
	require.NoError(t, err)
	return m
}

func storedDocument(t *testing.T, store docstore.Store) plan.Document {
	t.Helper()
	data, err := store.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	doc, err := plan.Decode(data)
	require.NoError(t, err)
	return doc
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(t, docstore.NewMemoryStore(), Config{})
	assert.Equal(t, DefaultKey, m.Key())
	assert.Equal(t, DefaultMaxAttempts, m.maxAttempts)
	assert.Equal(t, 20, m.template.TaskCount())

	_, err := NewManager(nil, Config{}, nil)
	assert.Error(t, err)

	_, err = NewManager(docstore.NewMemoryStore(), Config{MaxAttempts: -1}, nil)
	assert.Error(t, err)

	bad := plan.Document{"P": {Name: "p", Phases: map[string]*plan.Phase{
		"X": {Name: "x", Tasks: []*plan.Task{{ID: "A", Status: plan.StatusPending}, {ID: "A", Status: plan.StatusPending}}},
	}}}
	_, err = NewManager(docstore.NewMemoryStore(), Config{Template: bad}, nil)
	assert.ErrorIs(t, err, plan.ErrDuplicateTaskID)
}

func TestGetState_InitializesMissingDocument(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})

	doc, err := m.GetState(context.Background())
	require.NoError(t, err)

	if diff := cmp.Diff(plan.DefaultTemplate(), doc); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(plan.DefaultTemplate(), storedDocument(t, store)); diff != "" {
		t.Errorf("stored document mismatch (-want +got):\n%s", diff)
	}
}

func TestGetState_RecoversCorruptDocument(t *testing.T) {
	for name, raw := range map[string]string{
		"malformed json": "{not json",
		"empty object":   "{}",
		"null":           "null",
		"bad status":     `{"P":{"name":"p","phases":{"X":{"name":"x","tasks":[{"id":"A","name":"a","progress":0,"status":"DONE"}]}}}}`,
		"missing status": `{"P":{"name":"p","phases":{"X":{"name":"x","tasks":[{"id":"A","name":"a","progress":0}]}}}}`,
		"progress range": `{"P":{"name":"p","phases":{"X":{"name":"x","tasks":[{"id":"A","name":"a","progress":250,"status":"IN_PROGRESS"}]}}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := docstore.NewMemoryStore()
			require.NoError(t, store.Set(context.Background(), DefaultKey, []byte(raw)))

			log := logging.NewTestLogger()
			m, err := NewManager(store, Config{}, log.Underlying())
			require.NoError(t, err)

			doc, err := m.GetState(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 20, doc.TaskCount())
			assert.Equal(t, 20, storedDocument(t, store).TaskCount())
			log.AssertLogged(t, zapcore.WarnLevel, "plan document corrupt")
		})
	}
}

func TestGetState_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	m := newTestManager(t, &failingStore{MemoryStore: docstore.NewMemoryStore(), err: boom}, Config{})

	_, err := m.GetState(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestGetState_ReturnsIndependentCopies(t *testing.T) {
	m := newTestManager(t, docstore.NewMemoryStore(), Config{})

	first, err := m.GetState(context.Background())
	require.NoError(t, err)
	first["P1_INSIGHT_ENGINE"].Name = "mutated"

	second, err := m.GetState(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", second["P1_INSIGHT_ENGINE"].Name)
}

func TestUpdateTask_Examples(t *testing.T) {
	ctx := context.Background()

	t.Run("progress 100 completes", func(t *testing.T) {
		m := newTestManager(t, docstore.NewMemoryStore(), Config{})
		task, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(100))
		require.NoError(t, err)
		assert.Equal(t, "T1_1_L1_EDGAR", task.ID)
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, plan.StatusCompleted, task.Status)

		// Idempotent.
		again, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(100))
		require.NoError(t, err)
		assert.Equal(t, task, again)
	})

	t.Run("blocked stays blocked", func(t *testing.T) {
		m := newTestManager(t, docstore.NewMemoryStore(), Config{})
		_, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithStatus(plan.StatusBlocked))
		require.NoError(t, err)

		task, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(40))
		require.NoError(t, err)
		assert.Equal(t, 40, task.Progress)
		assert.Equal(t, plan.StatusBlocked, task.Status)
	})

	t.Run("unknown task", func(t *testing.T) {
		store := docstore.NewMemoryStore()
		m := newTestManager(t, store, Config{})
		_, err := m.GetState(ctx)
		require.NoError(t, err)
		before := store.Version(DefaultKey)

		_, err = m.UpdateTask(ctx, "NON_EXISTENT", plan.WithProgress(10))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, "Task NON_EXISTENT not found.", err.Error())
		assert.Equal(t, before, store.Version(DefaultKey), "not-found must not write")
	})

	t.Run("progress clamped", func(t *testing.T) {
		m := newTestManager(t, docstore.NewMemoryStore(), Config{})
		task, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(150))
		require.NoError(t, err)
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, plan.StatusCompleted, task.Status)
	})
}

func TestUpdateTask_PersistsOnlyTargetTask(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})

	_, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(55))
	require.NoError(t, err)

	want := plan.DefaultTemplate()
	idx, err := plan.BuildIndex(want)
	require.NoError(t, err)
	task, _, ok := idx.Lookup("T1_1_L1_EDGAR")
	require.True(t, ok)
	task.Progress = 55
	task.Status = plan.StatusInProgress

	if diff := cmp.Diff(want, storedDocument(t, store)); diff != "" {
		t.Errorf("stored document mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateTask_Validation(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})

	_, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.Update{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, plan.ErrEmptyUpdate)

	bad := plan.Status("DONE")
	_, err = m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.Update{Status: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.UpdateTask(context.Background(), "", plan.WithProgress(1))
	assert.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, store.Version(DefaultKey), "validation failures must not touch the store")
}

func TestUpdateTask_RebuildsCorruptDocument(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), DefaultKey, []byte("garbage")))
	m := newTestManager(t, store, Config{})

	task, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(30))
	require.NoError(t, err)
	assert.Equal(t, plan.StatusInProgress, task.Status)

	doc := storedDocument(t, store)
	assert.Equal(t, 20, doc.TaskCount())
}

func TestUpdateTask_DuplicateIDsIsIntegrityError(t *testing.T) {
	store := docstore.NewMemoryStore()
	raw := `{"P":{"name":"p","accent":"","phases":{
		"X":{"name":"x","tasks":[{"id":"A","name":"a","progress":0,"status":"PENDING"}]},
		"Y":{"name":"y","tasks":[{"id":"A","name":"a2","progress":0,"status":"PENDING"}]}}}}`
	require.NoError(t, store.Set(context.Background(), DefaultKey, []byte(raw)))
	before := store.Version(DefaultKey)

	m := newTestManager(t, store, Config{})
	_, err := m.UpdateTask(context.Background(), "A", plan.WithProgress(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, plan.ErrDuplicateTaskID)
	assert.Equal(t, before, store.Version(DefaultKey))
}

func TestUpdateTask_TransportError(t *testing.T) {
	boom := errors.New("nats: connection closed")
	m := newTestManager(t, &failingStore{MemoryStore: docstore.NewMemoryStore(), err: boom}, Config{})

	_, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(10))
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, boom)
}

func TestUpdateTask_ContentionCeiling(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})
	_, err := m.GetState(context.Background())
	require.NoError(t, err)

	var commits int
	store.BeforeCommit = func(key string) {
		commits++
		// A competing writer lands between every watch and commit.
		data, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, store.Set(context.Background(), key, data))
	}

	_, err = m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContention)
	assert.Equal(t, ContentionMessage, err.Error())
	assert.Equal(t, DefaultMaxAttempts, commits)
}

func TestUpdateTask_RecoversFromTransientConflicts(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{RetryBackoff: 1})
	_, err := m.GetState(context.Background())
	require.NoError(t, err)

	var commits int
	store.BeforeCommit = func(key string) {
		commits++
		if commits < DefaultMaxAttempts {
			data, err := store.Get(context.Background(), key)
			require.NoError(t, err)
			require.NoError(t, store.Set(context.Background(), key, data))
		}
	}

	task, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(100))
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, task.Status)
	assert.Equal(t, DefaultMaxAttempts, commits)
}

// updateDisjoint runs one concurrent writer per id and returns every error.
func updateDisjoint(t *testing.T, m *Manager, ids []string) []error {
	t.Helper()
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(ids))
	)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, errs[i] = m.UpdateTask(context.Background(), id, plan.WithProgress(i+1))
		}(i, id)
	}
	close(start)
	wg.Wait()
	return errs
}

func assertDisjointProgress(t *testing.T, store docstore.Store, ids []string) {
	t.Helper()
	idx, err := plan.BuildIndex(storedDocument(t, store))
	require.NoError(t, err)
	for i, id := range ids {
		task, _, ok := idx.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, i+1, task.Progress, "task %s lost its update", id)
		assert.Equal(t, plan.StatusInProgress, task.Status)
	}
}

func TestUpdateTask_ConcurrentDisjointUpdates(t *testing.T) {
	ids := []string{"T1_1_L1_EDGAR", "T1_1_L1_NEWS", "T1_1_L1_NASA", "T1_2_TCI"}
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})
	_, err := m.GetState(context.Background())
	require.NoError(t, err)

	for i, err := range updateDisjoint(t, m, ids) {
		require.NoError(t, err, "writer for %s", ids[i])
	}
	assertDisjointProgress(t, store, ids)
}

func TestUpdateTask_ConcurrentDisjointUpdatesStress(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{MaxAttempts: 200})
	_, err := m.GetState(context.Background())
	require.NoError(t, err)

	var ids []string
	m.template.Walk(func(_ plan.Path, task *plan.Task) bool {
		ids = append(ids, task.ID)
		return true
	})

	for _, err := range updateDisjoint(t, m, ids) {
		require.NoError(t, err)
	}
	assertDisjointProgress(t, store, ids)
}

func TestUpdateTask_ConcurrentSameTaskSerializes(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})
	_, err := m.GetState(context.Background())
	require.NoError(t, err)
	base := store.Version(DefaultKey)

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []int
	)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			task, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(p))
			if err != nil {
				assert.ErrorIs(t, err, ErrContention)
				return
			}
			mu.Lock()
			succeeded = append(succeeded, task.Progress)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, succeeded)
	// One store version per successful commit: no write was lost or merged.
	assert.Equal(t, base+uint64(len(succeeded)), store.Version(DefaultKey))

	idx, err := plan.BuildIndex(storedDocument(t, store))
	require.NoError(t, err)
	task, _, _ := idx.Lookup("T1_1_L1_EDGAR")
	assert.Contains(t, succeeded, task.Progress)
}

func TestUpdateTask_PublishesAfterCommit(t *testing.T) {
	pub := &recordingPublisher{}
	m := newTestManager(t, docstore.NewMemoryStore(), Config{}, WithPublisher(pub))

	_, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(60))
	require.NoError(t, err)
	_, err = m.UpdateTask(context.Background(), "NON_EXISTENT", plan.WithProgress(60))
	require.Error(t, err)

	got := pub.published()
	require.Len(t, got, 1)
	assert.Equal(t, "T1_1_L1_EDGAR", got[0].ID)
	assert.Equal(t, 60, got[0].Progress)
}

func TestUpdateTask_PublishesWhenCallerCancelsAfterCommit(t *testing.T) {
	bus, err := eventbus.New(pubsub.NewMemoryTransport(), eventbus.Config{
		HeartbeatInterval: 2 * time.Second,
		ReconnectDelay:    10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{}, WithPublisher(bus))
	_, err = m.GetState(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The client goes away while its write is being committed.
	store.BeforeCommit = func(string) { cancel() }

	task, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(100))
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, task.Status)

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, eventbus.KindTaskUpdate, ev.Kind)
	assert.Equal(t, "T1_1_L1_EDGAR", ev.Task.ID)
	assert.Equal(t, 100, ev.Task.Progress)
}

func TestManager_LogsCarryRequestID(t *testing.T) {
	log := logging.NewTestLogger()
	m, err := NewManager(docstore.NewMemoryStore(), Config{}, log.Underlying())
	require.NoError(t, err)

	ctx := logging.WithRequestID(context.Background(), "req-42")
	_, err = m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(10))
	require.NoError(t, err)
	require.NoError(t, m.ResetState(ctx))

	log.AssertField(t, "task updated", "request.id", "req-42")
	log.AssertField(t, "plan document reset", "request.id", "req-42")
}

func TestResetState(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newTestManager(t, store, Config{})

	_, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(100))
	require.NoError(t, err)
	require.NoError(t, m.ResetState(context.Background()))

	if diff := cmp.Diff(plan.DefaultTemplate(), storedDocument(t, store)); diff != "" {
		t.Errorf("reset mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	m := newTestManager(t, docstore.NewMemoryStore(), Config{}, WithTracer(provider.Tracer("test")))

	_, err := m.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(5))
	require.NoError(t, err)
	_, err = m.UpdateTask(context.Background(), "NON_EXISTENT", plan.WithProgress(5))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "statemgr.UpdateTask", s.Name())
	}
	assert.Equal(t, "Task NON_EXISTENT not found.", spans[1].Status().Description)
}

func TestManager_JetStreamKV(t *testing.T) {
	_, js := natstest.JetStream(t)
	ctx := context.Background()
	store, err := docstore.OpenKVStore(ctx, js, docstore.KVConfig{Bucket: "plan_test"})
	require.NoError(t, err)

	m := newTestManager(t, store, Config{MaxAttempts: 100})
	doc, err := m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, doc.TaskCount())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(p))
			assert.NoError(t, err)
		}(i * 10)
	}
	wg.Wait()

	_, err = m.UpdateTask(ctx, "T1_1_L1_EDGAR", plan.WithProgress(100))
	require.NoError(t, err)

	doc, err = m.GetState(ctx)
	require.NoError(t, err)
	idx, err := plan.BuildIndex(doc)
	require.NoError(t, err)
	task, _, _ := idx.Lookup("T1_1_L1_EDGAR")
	assert.Equal(t, plan.StatusCompleted, task.Status, fmt.Sprintf("%+v", task))
}
