package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/lifecycle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTaskStore is a minimal in-memory domain.TaskStore sufficient to drive
// lifecycle.Detector and Sweep without a real Postgres instance.
type fakeTaskStore struct {
	trading        map[string]*domain.TradingTask
	backtest       map[string]*domain.BacktestTask
	tradingStatus  map[string]domain.TaskStatus
	backtestStatus map[string]domain.TaskStatus
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		trading:        map[string]*domain.TradingTask{},
		backtest:       map[string]*domain.BacktestTask{},
		tradingStatus:  map[string]domain.TaskStatus{},
		backtestStatus: map[string]domain.TaskStatus{},
	}
}

func (f *fakeTaskStore) GetTradingTask(ctx context.Context, id string) (*domain.TradingTask, error) {
	t, ok := f.trading[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	if status, ok := f.tradingStatus[id]; ok {
		cp.Status = status
	}
	return &cp, nil
}

func (f *fakeTaskStore) GetBacktestTask(ctx context.Context, id string) (*domain.BacktestTask, error) {
	t, ok := f.backtest[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	if status, ok := f.backtestStatus[id]; ok {
		cp.Status = status
	}
	return &cp, nil
}

func (f *fakeTaskStore) CreateTradingTask(ctx context.Context, t *domain.TradingTask) error {
	f.trading[t.ID] = t
	return nil
}

func (f *fakeTaskStore) CreateBacktestTask(ctx context.Context, t *domain.BacktestTask) error {
	f.backtest[t.ID] = t
	return nil
}

func (f *fakeTaskStore) UpdateTradingTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	f.tradingStatus[id] = status
	return nil
}

func (f *fakeTaskStore) UpdateBacktestTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	f.backtestStatus[id] = status
	return nil
}

func (f *fakeTaskStore) SaveStrategyState(ctx context.Context, id string, state json.RawMessage) error {
	return nil
}

func (f *fakeTaskStore) ListRunningTradingTasks(ctx context.Context) ([]*domain.TradingTask, error) {
	var out []*domain.TradingTask
	for id, t := range f.trading {
		status := t.Status
		if s, ok := f.tradingStatus[id]; ok {
			status = s
		}
		if status == domain.TaskStatusRunning {
			cp := *t
			cp.Status = status
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) ListRunningBacktestTasks(ctx context.Context) ([]*domain.BacktestTask, error) {
	var out []*domain.BacktestTask
	for id, t := range f.backtest {
		status := t.Status
		if s, ok := f.backtestStatus[id]; ok {
			status = s
		}
		if status == domain.TaskStatusRunning {
			cp := *t
			cp.Status = status
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ domain.TaskStore = (*fakeTaskStore)(nil)

// fakeExecutionStore is a minimal in-memory domain.ExecutionStore; only
// the methods the Stale Detector actually calls do anything interesting.
type fakeExecutionStore struct {
	executions map[string]*domain.Execution
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: map[string]*domain.Execution{}}
}

func (f *fakeExecutionStore) AllocateExecution(ctx context.Context, taskType domain.TaskType, taskID string) (*domain.Execution, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	e, ok := f.executions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeExecutionStore) LatestForTask(ctx context.Context, taskType domain.TaskType, taskID string) (*domain.Execution, error) {
	for _, e := range f.executions {
		if e.TaskType == taskType && e.TaskID == taskID {
			return e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeExecutionStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	return nil
}

func (f *fakeExecutionStore) MarkCompleted(ctx context.Context, id string) error {
	if e, ok := f.executions[id]; ok {
		e.Status = domain.ExecutionStatusCompleted
	}
	return nil
}

func (f *fakeExecutionStore) MarkFailed(ctx context.Context, id string, message, traceback string) error {
	if e, ok := f.executions[id]; ok {
		e.Status = domain.ExecutionStatusFailed
		e.ErrorMessage = message
	}
	return nil
}

func (f *fakeExecutionStore) MarkStopped(ctx context.Context, id string) error {
	if e, ok := f.executions[id]; ok {
		e.Status = domain.ExecutionStatusStopped
	}
	return nil
}

func (f *fakeExecutionStore) AppendStrategyEvent(ctx context.Context, e *domain.StrategyEvent) error {
	return nil
}

func (f *fakeExecutionStore) AppendTradeLogEntry(ctx context.Context, e *domain.TradeLogEntry) error {
	return nil
}

func (f *fakeExecutionStore) AppendEquityPoint(ctx context.Context, e *domain.EquityPoint) error {
	return nil
}

func (f *fakeExecutionStore) ListStrategyEvents(ctx context.Context, executionID string, opts domain.ListOpts) ([]*domain.StrategyEvent, error) {
	return nil, nil
}

func (f *fakeExecutionStore) ListTradeLog(ctx context.Context, executionID string) ([]*domain.TradeLogEntry, error) {
	return nil, nil
}

func (f *fakeExecutionStore) ListEquityCurve(ctx context.Context, executionID string) ([]*domain.EquityPoint, error) {
	return nil, nil
}

var _ domain.ExecutionStore = (*fakeExecutionStore)(nil)

// fakeLock is a minimal in-memory domain.ExecutionLock; tests never
// populate it, so GetInfo always reports "no lock record" (ok=false),
// which is exactly the "lock missing" branch the stale-running rule needs.
type fakeLock struct{}

func (f *fakeLock) Acquire(ctx context.Context, taskName, instanceKey, worker string, ttl time.Duration) (string, error) {
	return "token", nil
}

func (f *fakeLock) Heartbeat(ctx context.Context, taskName, instanceKey, token string, status domain.LockStatus, message string, meta map[string]any) error {
	return nil
}

func (f *fakeLock) RequestStop(ctx context.Context, taskName, instanceKey string) error {
	return nil
}

func (f *fakeLock) Release(ctx context.Context, taskName, instanceKey, token string) error {
	return nil
}

func (f *fakeLock) GetInfo(ctx context.Context, taskName, instanceKey string, staleAfter time.Duration) (*domain.LockInfo, bool, error) {
	return nil, false, nil
}

var _ domain.ExecutionLock = (*fakeLock)(nil)

func TestSweepReconcilesStaleRunningTasks(t *testing.T) {
	tasks := newFakeTaskStore()
	executions := newFakeExecutionStore()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	tasks.trading["tt-1"] = &domain.TradingTask{
		TaskBase: domain.TaskBase{ID: "tt-1", Status: domain.TaskStatusRunning, UpdatedAt: now.Add(-time.Hour)},
		AccountID: "acct-1",
	}
	executions.executions["exec-1"] = &domain.Execution{
		ID: "exec-1", TaskType: domain.TaskTypeTrading, TaskID: "tt-1", Status: domain.ExecutionStatusCompleted,
	}

	tasks.backtest["bt-1"] = &domain.BacktestTask{
		TaskBase: domain.TaskBase{ID: "bt-1", Status: domain.TaskStatusRunning, UpdatedAt: now.Add(-time.Hour)},
	}
	executions.executions["exec-2"] = &domain.Execution{
		ID: "exec-2", TaskType: domain.TaskTypeBacktest, TaskID: "bt-1", Status: domain.ExecutionStatusFailed,
	}

	detector := &lifecycle.Detector{
		Tasks:      tasks,
		Executions: executions,
		Locks:      &fakeLock{},
		StaleAfter: time.Minute,
		Now:        func() time.Time { return now },
	}

	sweep := &Sweep{Detector: detector, Tasks: tasks, Logger: testLogger()}
	sweep.runOnce(context.Background())

	assert.Equal(t, domain.TaskStatusCompleted, tasks.tradingStatus["tt-1"])
	assert.Equal(t, domain.TaskStatusFailed, tasks.backtestStatus["bt-1"])
}

func TestSweepSkipsTasksWithinGracePeriod(t *testing.T) {
	tasks := newFakeTaskStore()
	executions := newFakeExecutionStore()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	tasks.trading["tt-1"] = &domain.TradingTask{
		TaskBase: domain.TaskBase{ID: "tt-1", Status: domain.TaskStatusRunning, UpdatedAt: now.Add(-5 * time.Second)},
		AccountID: "acct-1",
	}
	executions.executions["exec-1"] = &domain.Execution{
		ID: "exec-1", TaskType: domain.TaskTypeTrading, TaskID: "tt-1", Status: domain.ExecutionStatusCompleted,
	}

	detector := &lifecycle.Detector{
		Tasks:      tasks,
		Executions: executions,
		Locks:      &fakeLock{},
		StaleAfter: time.Minute,
		Now:        func() time.Time { return now },
	}

	sweep := &Sweep{Detector: detector, Tasks: tasks, Logger: testLogger()}
	sweep.runOnce(context.Background())

	_, mutated := tasks.tradingStatus["tt-1"]
	assert.False(t, mutated, "a task updated 5s ago is within the 30s start grace period and must not be reconciled")
}
