package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLocks(t *testing.T, mr *miniredis.Miniredis) *lock.Service {
	t.Helper()

	st, err := store.NewService(mr.Addr(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return lock.NewService(st)
}

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestRegister_Validation(t *testing.T) {
	s := NewService(newTestLocks(t, newMiniredis(t)))
	t.Cleanup(s.Stop)

	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Register(Task{Name: "", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Register(Task{Name: "no-handler", Spec: "@every 1m"}))
	assert.Error(t, s.Register(Task{Name: "bad-spec", Spec: "not a cron spec", Run: noop}))

	require.NoError(t, s.Register(Task{Name: "ok", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Register(Task{Name: "ok", Spec: "@every 5m", Run: noop}), "duplicate names are rejected")

	assert.ElementsMatch(t, []string{"ok"}, s.TaskNames())
}

func TestStart_Twice(t *testing.T) {
	s := NewService(newTestLocks(t, newMiniredis(t)))
	t.Cleanup(s.Stop)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
}

func TestRunsRegisteredTask(t *testing.T) {
	s := NewService(newTestLocks(t, newMiniredis(t)))
	t.Cleanup(s.Stop)

	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:       "tick-counter",
		Spec:       "@every 1s",
		MinLockTTL: 300 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(2100 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestExclusivityAcrossReplicas(t *testing.T) {
	mr := newMiniredis(t)

	// Two schedulers with independent store connections share one backing
	// store, the way two replicas would.
	a := NewService(newTestLocks(t, mr))
	b := NewService(newTestLocks(t, mr))
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)

	var runs atomic.Int32
	task := Task{
		Name:       "shared-gc",
		Spec:       "@every 1s",
		MinLockTTL: 300 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	require.NoError(t, a.Register(task))
	require.NoError(t, b.Register(task))

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	time.Sleep(3100 * time.Millisecond)
	a.Stop()
	b.Stop()

	// At most one replica may win each tick. Two uncoordinated schedulers
	// would have fired roughly twice per second.
	got := runs.Load()
	assert.GreaterOrEqual(t, got, int32(2))
	assert.LessOrEqual(t, got, int32(4))
}

func TestSkipsWhenLockHeld(t *testing.T) {
	mr := newMiniredis(t)
	locks := newTestLocks(t, mr)

	// Simulate another replica mid-run.
	held, err := locks.Acquire(context.Background(), LockPrefix+"blocked-task", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	s := NewService(locks)
	t.Cleanup(s.Stop)

	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:       "blocked-task",
		Spec:       "@every 1s",
		MinLockTTL: 300 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(1300 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(0), runs.Load())
}

func TestStopDrainsInFlightHandler(t *testing.T) {
	s := NewService(newTestLocks(t, newMiniredis(t)))

	var finished atomic.Bool
	require.NoError(t, s.Register(Task{
		Name:       "slow-task",
		Spec:       "@every 1s",
		MinLockTTL: 300 * time.Millisecond,
		Run: func(context.Context) error {
			time.Sleep(500 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(1100 * time.Millisecond)

	s.Stop()
	assert.True(t, finished.Load(), "Stop must wait for the running handler")

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after Stop returns")
	}
}

func TestContextCancelStopsScheduler(t *testing.T) {
	s := NewService(newTestLocks(t, newMiniredis(t)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestLockTTL(t *testing.T) {
	minuteTask := Task{MinLockTTL: DefaultMinLockTTL}

	assert.Equal(t, 59*time.Second, lockTTL(minuteTask, time.Minute))
	assert.Equal(t, 15*time.Minute-time.Second, lockTTL(minuteTask, 15*time.Minute))

	// Short intervals shave a proportional epsilon instead of a full second.
	shortTask := Task{MinLockTTL: 300 * time.Millisecond}
	assert.Equal(t, 950*time.Millisecond, lockTTL(shortTask, time.Second))

	// The floor wins when the interval is shorter than the configured minimum.
	assert.Equal(t, DefaultMinLockTTL, lockTTL(minuteTask, time.Second))
}

func TestScheduleInterval(t *testing.T) {
	parser := newSpecParser()

	every, err := parser.Parse("@every 5m")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, scheduleInterval(every))

	quarterly, err := parser.Parse("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, scheduleInterval(quarterly))
}
