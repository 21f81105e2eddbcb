package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStreamQueue is an in-memory domain.StreamQueue, enough to exercise
// Dispatcher and Pool without a real Redis instance.
type fakeStreamQueue struct {
	mu      sync.Mutex
	streams map[string][]domain.StreamMessage
	seq     int
}

func newFakeStreamQueue() *fakeStreamQueue {
	return &fakeStreamQueue{streams: map[string][]domain.StreamMessage{}}
}

func (f *fakeStreamQueue) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := string(rune('a' + f.seq))
	f.streams[stream] = append(f.streams[stream], domain.StreamMessage{ID: id, Payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeStreamQueue) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.streams[stream]
	var out []domain.StreamMessage
	seen := lastID == "0"
	for _, m := range all {
		if seen {
			out = append(out, m)
			if len(out) >= count {
				break
			}
			continue
		}
		if m.ID == lastID {
			seen = true
		}
	}
	return out, nil
}

func TestDispatcherEnqueue(t *testing.T) {
	q := newFakeStreamQueue()
	d := &Dispatcher{Queue: q}

	err := d.Enqueue(context.Background(), domain.TaskTypeTrading, "task-1", "exec-1")
	require.NoError(t, err)

	msgs, err := q.StreamRead(context.Background(), DefaultStream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got message
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, domain.TaskTypeTrading, got.TaskType)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "exec-1", got.ExecutionID)
}

func TestDispatcherEnqueueCloseAllPositions(t *testing.T) {
	q := newFakeStreamQueue()
	d := &Dispatcher{Queue: q}

	require.NoError(t, d.EnqueueCloseAllPositions(context.Background(), "task-1"))

	msgs, err := q.StreamRead(context.Background(), DefaultCloseAllStream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got closeAllMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "close_all_positions", got.Type)
	assert.Equal(t, "task-1", got.TaskID)
}

// fakeRunner records every (taskType, taskID, executionID) triple it was
// asked to run, optionally failing for a configured task ID.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	failFor string
	done    chan struct{}
	want    int
}

func (f *fakeRunner) Run(ctx context.Context, taskType domain.TaskType, taskID, executionID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, taskID+"/"+executionID)
	n := len(f.calls)
	f.mu.Unlock()
	if n >= f.want && f.done != nil {
		close(f.done)
	}
	if taskID == f.failFor {
		return assertError
	}
	return nil
}

var assertError = errAssert("boom")

type errAssert string

func (e errAssert) Error() string { return string(e) }

func TestPoolRunDrainsStreamAndInvokesWorker(t *testing.T) {
	q := newFakeStreamQueue()
	logger := testLogger()
	d := &Dispatcher{Queue: q, Logger: logger}

	require.NoError(t, d.Enqueue(context.Background(), domain.TaskTypeTrading, "task-1", "exec-1"))
	require.NoError(t, d.Enqueue(context.Background(), domain.TaskTypeBacktest, "task-2", "exec-2"))

	runner := &fakeRunner{failFor: "task-2", done: make(chan struct{}), want: 2}
	pool := &Pool{
		Queue:         q,
		Worker:        runner,
		MaxConcurrent: 4,
		PollInterval:  time.Millisecond,
		Logger:        logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = pool.Run(ctx) }()

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool to drain both messages")
	}
	cancel()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.ElementsMatch(t, []string{"task-1/exec-1", "task-2/exec-2"}, runner.calls)
}
