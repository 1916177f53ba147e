// Package optracker 管理单个 motor 的异步在途操作：容量限制、背压和退出前的排空。
package optracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// DefaultRecheckInterval 队列满时的最长等待间隔，超时后重新检查，避免错过唤醒
const DefaultRecheckInterval = 10 * time.Second

var (
	// ErrAlreadyCompleted 同一个操作被重复完成
	ErrAlreadyCompleted = errors.New("tracked op already completed")
	// ErrNotAdmitted 完成了一个从未进入队列的操作
	ErrNotAdmitted = errors.New("tracked op was never admitted")
)

// TrackedOp 是一次异步执行的句柄
type TrackedOp struct {
	Cycle  int64
	Stride *StrideTracker

	tracker    *Tracker
	createdAt  time.Time
	enqueuedAt time.Time
	waitTime   time.Duration
	admitted   atomic.Bool
	completed  atomic.Bool
	code       atomic.Int32
}

// WaitTime 返回从创建到入队的等待时间
func (op *TrackedOp) WaitTime() time.Duration { return op.waitTime }

// EnqueuedAt 返回入队时间
func (op *TrackedOp) EnqueuedAt() time.Time { return op.enqueuedAt }

// ResultCode 完成后的结果码
func (op *TrackedOp) ResultCode() int { return int(op.code.Load()) }

func (op *TrackedOp) IsCompleted() bool { return op.completed.Load() }

// Complete 通知 tracker 操作已完成
func (op *TrackedOp) Complete(code int) error {
	return op.tracker.Complete(op, code)
}

// Tracker 是每个 motor 私有的在途队列
type Tracker struct {
	capacity int
	recheck  time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	pending int
	// 容量释放时非阻塞地写入，唤醒等待的生产者
	wake chan struct{}
	// 队列排空时关闭，再次有操作入队时重建
	drained chan struct{}

	blocked   atomic.Int64
	admitted  atomic.Int64
	completed atomic.Int64
}

// Option 配置 Tracker
type Option func(*Tracker)

// WithRecheckInterval 设置队列满时的重新检查间隔
func WithRecheckInterval(d time.Duration) Option {
	return func(t *Tracker) { t.recheck = d }
}

// WithClock 注入时钟
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// New 创建容量为 capacity 的 Tracker
func New(capacity int, opts ...Option) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	t := &Tracker{
		capacity: capacity,
		recheck:  DefaultRecheckInterval,
		clock:    clock.RealClock{},
		wake:     make(chan struct{}, 1),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	close(t.drained)
	return t
}

// NewOp 创建句柄，总是成功；入队前必须调用 Admit
func (t *Tracker) NewOp(cycle int64, stride *StrideTracker) *TrackedOp {
	return &TrackedOp{Cycle: cycle, Stride: stride, tracker: t, createdAt: t.clock.Now()}
}

// IsFull 报告在途操作是否已达到容量
func (t *Tracker) IsFull() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending >= t.capacity
}

// Admit 阻塞直到有空位，然后占用一个位置。
// 每次被唤醒或等待超时后仍然满时 blocked 计数加一。
func (t *Tracker) Admit(ctx context.Context, op *TrackedOp) error {
	for {
		t.mu.Lock()
		if t.pending < t.capacity {
			if t.pending == 0 {
				t.drained = make(chan struct{})
			}
			t.pending++
			t.mu.Unlock()

			op.enqueuedAt = t.clock.Now()
			op.waitTime = op.enqueuedAt.Sub(op.createdAt)
			op.admitted.Store(true)
			t.admitted.Add(1)
			return nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		case <-t.clock.After(t.recheck):
		}
		if t.IsFull() {
			t.blocked.Add(1)
		}
	}
}

// Complete 释放 op 占用的位置并唤醒等待的生产者
func (t *Tracker) Complete(op *TrackedOp, code int) error {
	if !op.admitted.Load() {
		return ErrNotAdmitted
	}
	if !op.completed.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	op.code.Store(int32(code))
	// 先交付 stride 结果再释放位置，排空完成时输出已经收到全部结果
	if op.Stride != nil {
		op.Stride.record(op.Cycle, code)
	}

	t.mu.Lock()
	t.pending--
	if t.pending == 0 {
		close(t.drained)
	}
	t.mu.Unlock()
	t.completed.Add(1)

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// AwaitCompletion 等待在途操作全部完成，超时返回 false
func (t *Tracker) AwaitCompletion(timeout time.Duration) bool {
	t.mu.Lock()
	drained := t.drained
	t.mu.Unlock()

	select {
	case <-drained:
		return true
	case <-t.clock.After(timeout):
		return t.Pending() == 0
	}
}

// Pending 返回当前在途数量
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Tracker) Capacity() int { return t.capacity }

// Blocked 返回生产者因队列满而重新检查的次数
func (t *Tracker) Blocked() int64 { return t.blocked.Load() }

// Admitted 返回累计入队数
func (t *Tracker) Admitted() int64 { return t.admitted.Load() }

// Completed 返回累计完成数
func (t *Tracker) Completed() int64 { return t.completed.Load() }
