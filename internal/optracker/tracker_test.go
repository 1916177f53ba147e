package optracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/cycle-engine/internal/cycles"
)

func TestAdmitBlocksUntilCompletion(t *testing.T) {
	tr := New(1, WithRecheckInterval(5*time.Millisecond))
	ctx := context.Background()

	first := tr.NewOp(0, nil)
	require.NoError(t, tr.Admit(ctx, first))
	assert.True(t, tr.IsFull())

	second := tr.NewOp(1, nil)
	admitted := make(chan struct{})
	go func() {
		_ = tr.Admit(ctx, second)
		close(admitted)
	}()

	// 队列满时生产者持续重新检查并计数
	require.Eventually(t, func() bool { return tr.Blocked() > 0 }, time.Second, time.Millisecond)
	select {
	case <-admitted:
		t.Fatal("admitted while full")
	default:
	}

	require.NoError(t, first.Complete(0))
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("producer not woken by completion")
	}
	assert.Equal(t, 1, tr.Pending())
	assert.GreaterOrEqual(t, second.WaitTime(), time.Duration(0))
}

func TestStaleWakeStillCountsBlocked(t *testing.T) {
	tr := New(2, WithRecheckInterval(time.Hour))
	ctx := context.Background()

	a, b := tr.NewOp(0, nil), tr.NewOp(1, nil)
	require.NoError(t, tr.Admit(ctx, a))
	require.NoError(t, tr.Admit(ctx, b))
	// 没有等待者时的唤醒信号留在通道里
	require.NoError(t, a.Complete(0))
	require.NoError(t, tr.Admit(ctx, tr.NewOp(2, nil)))
	require.True(t, tr.IsFull())

	admitted := make(chan error, 1)
	go func() { admitted <- tr.Admit(ctx, tr.NewOp(3, nil)) }()

	require.Eventually(t, func() bool { return tr.Blocked() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, b.Complete(0))
	require.NoError(t, <-admitted)
	assert.Equal(t, int64(1), tr.Blocked())
	assert.Equal(t, 2, tr.Pending())
}

func TestAdmitHonorsContext(t *testing.T) {
	tr := New(1, WithRecheckInterval(time.Hour))
	require.NoError(t, tr.Admit(context.Background(), tr.NewOp(0, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tr.Admit(ctx, tr.NewOp(1, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tr.Pending())
}

func TestCompleteIsOnceOnly(t *testing.T) {
	tr := New(2)
	op := tr.NewOp(5, nil)
	assert.ErrorIs(t, op.Complete(0), ErrNotAdmitted)

	require.NoError(t, tr.Admit(context.Background(), op))
	require.NoError(t, op.Complete(3))
	assert.ErrorIs(t, op.Complete(3), ErrAlreadyCompleted)
	assert.Equal(t, 0, tr.Pending())
	assert.Equal(t, 3, op.ResultCode())
	assert.True(t, op.IsCompleted())
	assert.Equal(t, int64(1), tr.Completed())
}

func TestAwaitCompletion(t *testing.T) {
	tr := New(4)
	assert.True(t, tr.AwaitCompletion(time.Millisecond), "empty tracker is drained")

	op := tr.NewOp(0, nil)
	require.NoError(t, tr.Admit(context.Background(), op))
	assert.False(t, tr.AwaitCompletion(10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = op.Complete(0)
	}()
	assert.True(t, tr.AwaitCompletion(time.Second))
}

// 任意并发下在途数量不超过容量，所有操作最终都被执行
func TestCapacityNeverExceededProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		total := rapid.IntRange(1, 200).Draw(t, "total")

		tr := New(capacity, WithRecheckInterval(time.Millisecond))
		var inFlight, maxSeen atomic.Int64
		var wg sync.WaitGroup

		for c := 0; c < total; c++ {
			op := tr.NewOp(int64(c), nil)
			if err := tr.Admit(context.Background(), op); err != nil {
				t.Fatalf("admit: %v", err)
			}
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(op.Cycle%3) * 100 * time.Microsecond)
				inFlight.Add(-1)
				_ = op.Complete(0)
			}()
		}
		wg.Wait()

		if maxSeen.Load() > int64(capacity) {
			t.Fatalf("in flight %d exceeds capacity %d", maxSeen.Load(), capacity)
		}
		if tr.Completed() != int64(total) || tr.Pending() != 0 {
			t.Fatalf("completed %d pending %d", tr.Completed(), tr.Pending())
		}
	})
}

func TestStrideTrackerFlushesOnceSealedAndComplete(t *testing.T) {
	tr := New(8)
	var got []cycles.Result
	var calls int
	st := NewStrideTracker(10, 3, func(rs []cycles.Result) {
		calls++
		got = append(got, rs...)
	})

	ops := make([]*TrackedOp, 0, 3)
	for c := int64(10); c < 13; c++ {
		op := tr.NewOp(c, st)
		require.NoError(t, tr.Admit(context.Background(), op))
		ops = append(ops, op)
	}

	require.NoError(t, ops[2].Complete(1))
	require.NoError(t, ops[0].Complete(0))
	assert.False(t, st.Done())

	st.Seal(3)
	assert.False(t, st.Done())

	require.NoError(t, ops[1].Complete(0))
	assert.True(t, st.Done())
	assert.Equal(t, 1, calls)
	assert.Equal(t, []cycles.Result{{Cycle: 10, Code: 0}, {Cycle: 11, Code: 0}, {Cycle: 12, Code: 1}}, got)
}

func TestStrideTrackerSealAfterAllComplete(t *testing.T) {
	var calls int
	st := NewStrideTracker(0, 0, func([]cycles.Result) { calls++ })
	st.Seal(0)
	assert.True(t, st.Done())
	assert.Equal(t, 1, calls)
}
