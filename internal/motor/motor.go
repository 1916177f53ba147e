// Package motor 实现单个并发槽位的执行单元：领取 stride、限速、同步或异步执行 cycle、向输出交付结果。
package motor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/cycle-engine/internal/cycles"
	"yqhp/cycle-engine/internal/errorhandler"
	"yqhp/cycle-engine/internal/optracker"
	"yqhp/cycle-engine/internal/output"
	"yqhp/cycle-engine/internal/ratelimit"
	"yqhp/cycle-engine/pkg/logger"
	"yqhp/cycle-engine/pkg/utils"
)

const (
	// DefaultStride 默认每次领取的 cycle 数
	DefaultStride = 1
	// DefaultDrainTimeout 退出前等待异步操作完成的时长
	DefaultDrainTimeout = 60 * time.Second
)

// settings 是可以在 stride 边界热更新的配置
type settings struct {
	stride        int
	cycleLimiter  ratelimit.Limiter
	strideLimiter ratelimit.Limiter
}

// Motor 是一个槽位的执行单元
type Motor struct {
	slot     int
	activity string
	source   *cycles.Source
	runner   CycleRunner
	output   output.Output
	log      *zap.Logger
	state    slotState

	// live 只由 motor 自己的 goroutine 读写
	live settings
	// next 由外部修改，dirty 为 true 时在下一个循环边界生效
	mu    sync.Mutex
	next  settings
	dirty atomic.Bool

	async        bool
	maxPending   int
	tracker      *optracker.Tracker
	trackerOpts  []optracker.Option
	drainTimeout time.Duration
	buffer       *cycles.ResultBuffer

	started  atomic.Bool
	retiring atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}

	errMu    sync.Mutex
	asyncErr error
	failed   atomic.Bool

	// deliverMu 保证 Run 返回后不再有异步 segment 交给输出
	deliverMu sync.RWMutex
	returned  bool

	segments atomic.Int64
	cycles   atomic.Int64
}

// Option 配置 Motor
type Option func(*Motor)

// WithActivity 设置日志中的 activity 别名
func WithActivity(alias string) Option {
	return func(m *Motor) { m.activity = alias }
}

// WithStride 设置初始 stride
func WithStride(stride int) Option {
	return func(m *Motor) { m.next.stride = stride }
}

// WithCycleLimiter 每个 cycle 前等待 l
func WithCycleLimiter(l ratelimit.Limiter) Option {
	return func(m *Motor) { m.next.cycleLimiter = l }
}

// WithStrideLimiter 每个 stride 前等待 l
func WithStrideLimiter(l ratelimit.Limiter) Option {
	return func(m *Motor) { m.next.strideLimiter = l }
}

// WithOutput 设置结果输出
func WithOutput(o output.Output) Option {
	return func(m *Motor) { m.output = o }
}

// WithAsync 开启异步模式，maxPending 为在途操作上限
func WithAsync(maxPending int, opts ...optracker.Option) Option {
	return func(m *Motor) {
		m.async = true
		m.maxPending = maxPending
		m.trackerOpts = opts
	}
}

// WithDrainTimeout 设置退出前等待异步操作的时长
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Motor) { m.drainTimeout = d }
}

// WithLogger 替换日志实例
func WithLogger(l *zap.Logger) Option {
	return func(m *Motor) { m.log = l }
}

// New 创建处于 Running 状态的 motor
func New(slot int, source *cycles.Source, runner CycleRunner, opts ...Option) *Motor {
	m := &Motor{
		slot:         slot,
		source:       source,
		runner:       runner,
		next:         settings{stride: DefaultStride},
		drainTimeout: DefaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.next.stride < 1 {
		m.next.stride = DefaultStride
	}
	m.live = m.next
	if m.log == nil {
		m.log = logger.Named("motor")
	}
	m.log = m.log.With(zap.String("activity", m.activity), zap.Int("slot", slot))
	if m.async {
		m.tracker = optracker.New(m.maxPending, m.trackerOpts...)
	}
	m.buffer = cycles.NewResultBuffer(m.live.stride)
	return m
}

func (m *Motor) Slot() int { return m.slot }

// State 返回当前状态
func (m *Motor) State() SlotState { return m.state.Load() }

// Tracker 返回异步在途队列，同步模式下为 nil
func (m *Motor) Tracker() *optracker.Tracker { return m.tracker }

// Done 在 Run 返回后关闭
func (m *Motor) Done() <-chan struct{} { return m.done }

// Segments 返回已领取的 stride 数
func (m *Motor) Segments() int64 { return m.segments.Load() }

// Cycles 返回已得到结果码的 cycle 数
func (m *Motor) Cycles() int64 { return m.cycles.Load() }

// Stride 返回配置的 stride，包括尚未生效的修改
func (m *Motor) Stride() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next.stride
}

// SetStride 修改 stride，下一次领取时生效
func (m *Motor) SetStride(stride int) {
	if stride < 1 {
		return
	}
	m.update(func(s *settings) { s.stride = stride })
}

// SetCycleLimiter 替换 cycle 限速器，nil 表示不限速
func (m *Motor) SetCycleLimiter(l ratelimit.Limiter) {
	m.update(func(s *settings) { s.cycleLimiter = l })
}

// SetStrideLimiter 替换 stride 限速器，nil 表示不限速
func (m *Motor) SetStrideLimiter(l ratelimit.Limiter) {
	m.update(func(s *settings) { s.strideLimiter = l })
}

func (m *Motor) update(fn func(s *settings)) {
	m.mu.Lock()
	fn(&m.next)
	m.mu.Unlock()
	m.dirty.Store(true)
}

func (m *Motor) applyPending() {
	if !m.dirty.Swap(false) {
		return
	}
	m.mu.Lock()
	m.live = m.next
	m.mu.Unlock()
	m.log.Debug("applied pending settings", zap.Int("stride", m.live.stride))
}

// RequestStop 请求在当前 cycle 之后停止；已经不在 Running 时什么也不做
func (m *Motor) RequestStop() {
	if err := m.state.transition(Running, Stopping); err != nil {
		m.log.Debug("stop ignored", zap.Stringer("state", m.State()))
		return
	}
	m.cancelMu.Lock()
	cancel := m.cancel
	m.cancelMu.Unlock()
	// 只打断限速和排队等待，执行中的操作不受影响
	if cancel != nil {
		cancel()
	}
}

// Retire 请求在当前 stride 完成后退出，已领取的 cycle 都会执行完
func (m *Motor) Retire() {
	if m.State() != Running {
		return
	}
	m.retiring.Store(true)
}

// Retiring 报告是否已请求 Retire
func (m *Motor) Retiring() bool { return m.retiring.Load() }

// Run 执行主循环直到 cycle 耗尽、被停止或遇到致命错误
func (m *Motor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(m.done)
	defer m.closeDelivery()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancelMu.Lock()
	m.cancel = cancel
	m.cancelMu.Unlock()

	m.log.Debug("motor started", zap.Bool("async", m.async), zap.Int("stride", m.live.stride))

	for m.State() == Running {
		m.applyPending()

		if err := m.firstAsyncError(); err != nil {
			return m.fail(err)
		}
		if ctx.Err() != nil {
			m.RequestStop()
			break
		}
		if m.retiring.Load() {
			if err := m.state.transition(Running, Stopping); err == nil {
				m.log.Debug("motor retired")
			}
			break
		}

		seg, ok := m.source.Claim(m.live.stride)
		if !ok {
			if err := m.state.transition(Running, Finished); err == nil {
				m.log.Debug("cycles exhausted")
			}
			break
		}
		m.segments.Add(1)

		if m.live.strideLimiter != nil {
			if _, err := m.live.strideLimiter.WaitForOp(loopCtx); err != nil {
				m.RequestStop()
				break
			}
		}

		var err error
		if m.async {
			m.runAsyncSegment(loopCtx, seg)
		} else {
			err = m.runSyncSegment(loopCtx, seg)
		}
		if err != nil {
			return m.fail(err)
		}
	}

	m.drain()
	if m.State() == Stopping {
		_ = m.state.transition(Stopping, Stopped)
	}
	if err := m.firstAsyncError(); err != nil {
		m.log.Error("motor failed", zap.Error(err))
		return err
	}
	m.log.Debug("motor exited", zap.Stringer("state", m.State()), zap.Int64("cycles", m.Cycles()))
	return nil
}

// runSyncSegment 按顺序执行 segment 内的 cycle，结束后一次性交付结果
func (m *Motor) runSyncSegment(ctx context.Context, seg *cycles.Segment) error {
	m.buffer.Reset()
	execCtx := context.WithoutCancel(ctx)

	for c := seg.NextCycle(); !cycles.IsExhaustedCycle(c); c = seg.NextCycle() {
		if m.State() != Running {
			break
		}
		if err := m.waitCycle(ctx); err != nil {
			m.RequestStop()
			break
		}
		code, err := m.runner.RunCycle(execCtx, c)
		if err != nil {
			return err
		}
		m.buffer.Append(c, code)
		m.cycles.Add(1)
	}

	if m.output == nil || m.buffer.Len() == 0 {
		return nil
	}
	if err := m.output.OnSegment(m.buffer.Results()); err != nil {
		m.log.Error("output rejected segment", zap.Int64("start", seg.Start()), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	return nil
}

// runAsyncSegment 把 segment 内的 cycle 逐个交给后台执行，队列满时阻塞
func (m *Motor) runAsyncSegment(ctx context.Context, seg *cycles.Segment) {
	var onDone func([]cycles.Result)
	if m.output != nil {
		onDone = m.deliverAsync
	}
	stride := optracker.NewStrideTracker(seg.Start(), seg.Count(), onDone)
	enqueued := 0

	for c := seg.NextCycle(); !cycles.IsExhaustedCycle(c); c = seg.NextCycle() {
		if m.State() != Running || m.failed.Load() {
			break
		}
		if err := m.waitCycle(ctx); err != nil {
			m.RequestStop()
			break
		}
		op := m.tracker.NewOp(c, stride)
		if err := m.tracker.Admit(ctx, op); err != nil {
			m.RequestStop()
			break
		}
		enqueued++
		m.dispatch(ctx, op)
	}
	stride.Seal(enqueued)
}

func (m *Motor) dispatch(ctx context.Context, op *optracker.TrackedOp) {
	execCtx := context.WithoutCancel(ctx)
	name := fmt.Sprintf("%s-slot-%d-cycle-%d", m.activity, m.slot, op.Cycle)
	utils.SafeGo(name, func() {
		code, err := m.runner.RunCycle(execCtx, op.Cycle)
		if err != nil {
			m.setAsyncError(err)
			code = errorhandler.CodeNonRetryable
		}
		m.cycles.Add(1)
		_ = op.Complete(code)
	}, func(pe *utils.PanicError) {
		m.setAsyncError(pe)
		_ = op.Complete(errorhandler.CodeNonRetryable)
	})
}

func (m *Motor) deliverAsync(results []cycles.Result) {
	m.deliverMu.RLock()
	defer m.deliverMu.RUnlock()
	if m.returned {
		m.log.Warn("dropped async segment completed after motor exit",
			zap.Int("results", len(results)))
		return
	}
	if err := m.output.OnSegment(results); err != nil {
		m.log.Error("output rejected async segment", zap.Int("results", len(results)), zap.Error(err))
		m.setAsyncError(fmt.Errorf("%w: %w", ErrOutput, err))
	}
}

func (m *Motor) closeDelivery() {
	m.deliverMu.Lock()
	m.returned = true
	m.deliverMu.Unlock()
}

func (m *Motor) waitCycle(ctx context.Context) error {
	if m.live.cycleLimiter == nil {
		return nil
	}
	_, err := m.live.cycleLimiter.WaitForOp(ctx)
	return err
}

func (m *Motor) setAsyncError(err error) {
	m.errMu.Lock()
	if m.asyncErr == nil {
		m.asyncErr = err
	}
	m.errMu.Unlock()
	m.failed.Store(true)
}

func (m *Motor) firstAsyncError() error {
	if !m.failed.Load() {
		return nil
	}
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.asyncErr
}

// drain 等待异步在途操作完成，超时只记录告警
func (m *Motor) drain() {
	if m.tracker == nil || m.tracker.Pending() == 0 {
		return
	}
	if !m.tracker.AwaitCompletion(m.drainTimeout) {
		m.log.Warn("async ops still pending after drain timeout",
			zap.Int("pending", m.tracker.Pending()),
			zap.Duration("timeout", m.drainTimeout))
	}
}

// fail 处理致命错误：进入 Stopped，等待在途操作后返回 err
func (m *Motor) fail(err error) error {
	_ = m.state.transition(Running, Stopping)
	m.drain()
	_ = m.state.transition(Stopping, Stopped)
	m.log.Error("motor failed", zap.Error(err))
	return err
}
