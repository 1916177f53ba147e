// Package ratelimit 实现带突发容忍度、可热更新速率的调度限流器。
//
// 每次调用的理想时间点 = 上一次理想时间点 + 当前速率的间隔。
// 落后于理想时间时，允许以 BurstRatio 倍速追赶，但相邻两次调用至少间隔
// Interval/BurstRatio。速率替换不会清空已经积累的调度欠账。
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Limiter 是 motor 依赖的限流接口，共享或独占实例对 motor 透明
type Limiter interface {
	// MaybeWaitForOp 阻塞到下一次调度点，返回相对理想时间点的滞后纳秒数
	MaybeWaitForOp() int64
	// WaitForOp 与 MaybeWaitForOp 相同，但可以被 ctx 取消
	WaitForOp(ctx context.Context) (int64, error)
	ApplyRateSpec(spec Spec)
	Spec() Spec
}

// RateLimiter 是 Limiter 的默认实现。
// 调度状态只在短暂持有的锁内计算，睡眠发生在锁外，可以被多个 motor 并发调用。
type RateLimiter struct {
	name   string
	clock  clock.Clock
	origin time.Time

	mu         sync.Mutex
	spec       Spec
	started    bool
	lastSlot   time.Duration // 上一次调用的理想时间点，相对 origin
	burstSlot  time.Duration // 下一次突发调度允许的最早时间点
	specChange atomic.Int64

	totalWait  atomic.Int64 // 累计滞后
	totalSleep atomic.Int64 // 累计睡眠
	ops        atomic.Int64
}

// Option 配置 RateLimiter
type Option func(*RateLimiter)

// WithClock 注入时钟，测试中使用 FakeClock
func WithClock(c clock.Clock) Option {
	return func(l *RateLimiter) {
		l.clock = c
	}
}

// New 创建限流器，spec 需预先校验
func New(name string, spec Spec, opts ...Option) *RateLimiter {
	l := &RateLimiter{
		name:  name,
		clock: clock.RealClock{},
		spec:  spec,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.origin = l.clock.Now()
	return l
}

// CreateOrUpdate 已有实例时只替换速率，否则新建
func CreateOrUpdate(existing *RateLimiter, name string, spec Spec, opts ...Option) *RateLimiter {
	if existing == nil {
		return New(name, spec, opts...)
	}
	existing.ApplyRateSpec(spec)
	return existing
}

func (l *RateLimiter) Name() string {
	return l.name
}

// reserve 计算本次调用的理想时间点和实际开始时间点
func (l *RateLimiter) reserve() (now, slot, start time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now = l.clock.Since(l.origin)
	if !l.started {
		l.started = true
		slot = now
	} else {
		slot = l.lastSlot + l.spec.Interval()
	}
	l.lastSlot = slot

	burst := l.burstSlot
	if burst < now {
		burst = now
	}
	l.burstSlot = burst + l.spec.BurstInterval()

	start = slot
	if burst > start {
		start = burst
	}
	return now, slot, start
}

// account 记录本次调用并返回滞后纳秒数
func (l *RateLimiter) account(now, slot, start time.Duration) int64 {
	actual := start
	if now > actual {
		actual = now
	}
	late := int64(actual - slot)
	if late < 0 {
		late = 0
	}
	l.totalWait.Add(late)
	l.ops.Add(1)
	return late
}

// MaybeWaitForOp 阻塞到下一次调度点
func (l *RateLimiter) MaybeWaitForOp() int64 {
	now, slot, start := l.reserve()
	if d := start - now; d > 0 {
		l.clock.Sleep(d)
		l.totalSleep.Add(int64(d))
	}
	return l.account(now, slot, start)
}

// WaitForOp 阻塞到下一次调度点，ctx 取消时提前返回。
// 取消时已经预留的调度点不会归还。
func (l *RateLimiter) WaitForOp(ctx context.Context) (int64, error) {
	now, slot, start := l.reserve()
	if d := start - now; d > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-l.clock.After(d):
		}
		l.totalSleep.Add(int64(d))
	}
	return l.account(now, slot, start), nil
}

// ApplyRateSpec 原子替换速率。
// 下一次调用立即使用新间隔；只有 VerbRestart 会重置调度起点。
func (l *RateLimiter) ApplyRateSpec(spec Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spec = spec
	if spec.Verb == VerbRestart {
		l.started = false
		l.burstSlot = l.clock.Since(l.origin)
	}
	l.specChange.Add(1)
}

func (l *RateLimiter) Spec() Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spec
}

// TotalWaitTime 返回累计滞后时间
func (l *RateLimiter) TotalWaitTime() time.Duration {
	return time.Duration(l.totalWait.Load())
}

// TotalSleepTime 返回调用方累计被阻塞的时间
func (l *RateLimiter) TotalSleepTime() time.Duration {
	return time.Duration(l.totalSleep.Load())
}

// Ops 返回已放行的调用次数
func (l *RateLimiter) Ops() int64 {
	return l.ops.Load()
}

// SpecChanges 返回速率被替换的次数
func (l *RateLimiter) SpecChanges() int64 {
	return l.specChange.Load()
}
