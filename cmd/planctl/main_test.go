package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/planhub/pkg/docstore"
	"github.com/fyrsmithlabs/planhub/pkg/eventbus"
	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/pubsub"
	"github.com/fyrsmithlabs/planhub/pkg/server"
	"github.com/fyrsmithlabs/planhub/pkg/statemgr"
	"github.com/fyrsmithlabs/planhub/pkg/stream"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type hub struct {
	url string
	mgr *statemgr.Manager
}

// startHub serves a full in-memory planhub stack.
func startHub(t *testing.T, secret string) *hub {
	t.Helper()

	bus, err := eventbus.New(pubsub.NewMemoryTransport(), eventbus.Config{
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	mgr, err := statemgr.NewManager(docstore.NewMemoryStore(), statemgr.Config{}, nil, statemgr.WithPublisher(bus))
	require.NoError(t, err)

	srv, err := server.NewServer(server.Config{AuthSecret: secret}, mgr, stream.NewGateway(mgr, bus, nil), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return &hub{url: ts.URL, mgr: mgr}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	h := startHub(t, "")

	out, err := execute(t, "health", "--server", h.url)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Service: planhub")
}

func TestState(t *testing.T) {
	h := startHub(t, "")

	out, err := execute(t, "state", "--server", h.url)
	require.NoError(t, err)

	var doc plan.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, plan.DefaultTemplate().TaskCount(), doc.TaskCount())
}

func TestUpdate(t *testing.T) {
	h := startHub(t, "")

	out, err := execute(t, "update", "T1_1_L1_EDGAR", "--progress", "100", "--server", h.url)
	require.NoError(t, err)
	assert.Contains(t, out, "Update acknowledged and processed")
	assert.Contains(t, out, "T1_1_L1_EDGAR: COMPLETED (100%)")

	out, err = execute(t, "update", "T1_1_L1_NEWS", "--status", "blocked", "--server", h.url)
	require.NoError(t, err)
	assert.Contains(t, out, "T1_1_L1_NEWS: BLOCKED (0%)")
}

func TestUpdate_Errors(t *testing.T) {
	h := startHub(t, "")

	_, err := execute(t, "update", "T1_1_L1_EDGAR", "--server", h.url)
	assert.ErrorContains(t, err, "at least one of --progress or --status")

	_, err = execute(t, "update", "T1_1_L1_EDGAR", "--status", "DONE", "--server", h.url)
	assert.ErrorIs(t, err, plan.ErrInvalidStatus)

	_, err = execute(t, "update", "NON_EXISTENT", "--progress", "5", "--server", h.url)
	assert.ErrorContains(t, err, "status 404")
	assert.ErrorContains(t, err, "Task NON_EXISTENT not found.")

	_, err = execute(t, "update", "T1_1_L1_EDGAR", "--progress", "150", "--server", h.url)
	assert.ErrorContains(t, err, "status 422")

	_, err = execute(t, "update", "--server", h.url)
	assert.Error(t, err)
}

func TestWriteCommandsSendToken(t *testing.T) {
	h := startHub(t, testSecret)

	_, err := execute(t, "reset", "--server", h.url)
	assert.ErrorContains(t, err, "status 401")

	_, err = execute(t, "reset", "--server", h.url, "--token", "wrong")
	assert.ErrorContains(t, err, "status 401")

	out, err := execute(t, "reset", "--server", h.url, "--token", testSecret)
	require.NoError(t, err)
	assert.Contains(t, out, "State reset to default template")

	t.Setenv("PLANHUB_TOKEN", testSecret)
	_, err = execute(t, "update", "T1_1_L1_EDGAR", "--progress", "10", "--server", h.url)
	assert.NoError(t, err)
}

func TestServerUnreachable(t *testing.T) {
	_, err := execute(t, "health", "--server", "http://127.0.0.1:1")
	assert.ErrorContains(t, err, "failed to send request")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStream(t *testing.T) {
	h := startHub(t, "")

	var out syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stream", "--server", h.url})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "INITIAL_STATE")
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		if _, err := h.mgr.UpdateTask(context.Background(), "T1_1_L1_EDGAR", plan.WithProgress(50)); err != nil {
			return false
		}
		return strings.Contains(out.String(), "TASK_UPDATE: T1_1_L1_EDGAR IN_PROGRESS (50%)")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream command did not stop")
	}
}

func TestReadEvents(t *testing.T) {
	input := ": comment\n" +
		"event: INITIAL_STATE\ndata: {}\n\n" +
		"event: HEARTBEAT\ndata: {}\n\n" +
		"event: ERROR\ndata: {\"message\":\"connection to event bus lost\"}\n\n"

	var events []sseEvent
	err := readEvents(strings.NewReader(input), func(ev sseEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, sseEvent{Type: "INITIAL_STATE", Data: "{}"}, events[0])
	assert.Equal(t, "HEARTBEAT", events[1].Type)
	assert.Equal(t, `{"message":"connection to event bus lost"}`, events[2].Data)
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, printEvent(&out, sseEvent{Type: stream.FrameHeartbeat, Data: "{}"}, false, false))
	assert.Empty(t, out.String())

	require.NoError(t, printEvent(&out, sseEvent{Type: stream.FrameHeartbeat, Data: "{}"}, false, true))
	assert.Equal(t, "HEARTBEAT\n", out.String())

	out.Reset()
	require.NoError(t, printEvent(&out, sseEvent{Type: stream.FrameTaskUpdate, Data: `{"id":"A","status":"BLOCKED","progress":5}`}, true, false))
	assert.Equal(t, "TASK_UPDATE {\"id\":\"A\",\"status\":\"BLOCKED\",\"progress\":5}\n", out.String())

	err := printEvent(&out, sseEvent{Type: stream.FrameError, Data: `{"message":"connection to event bus lost"}`}, false, false)
	assert.EqualError(t, err, "stream error: connection to event bus lost")

	err = printEvent(&out, sseEvent{Type: stream.FrameTaskUpdate, Data: "not json"}, false, false)
	assert.ErrorContains(t, err, "decoding TASK_UPDATE frame")
}

func TestCheckStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusServiceUnavailable)
	rec.WriteString(`{"message":"High contention: failed to update task after multiple attempts."}`)

	err := checkStatus(rec.Result())
	assert.EqualError(t, err, "server returned status 503: High contention: failed to update task after multiple attempts.")

	rec = httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	rec.WriteString("bad gateway\n")
	assert.EqualError(t, checkStatus(rec.Result()), "server returned status 502: bad gateway")
}
