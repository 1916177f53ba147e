package motor

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"yqhp/cycle-engine/internal/errorhandler"
	"yqhp/cycle-engine/internal/metrics"
	"yqhp/cycle-engine/internal/ops"
	"yqhp/cycle-engine/internal/planning"
)

// DefaultMaxTries 每个 cycle 的默认最大尝试次数
const DefaultMaxTries = 10

// CycleRunner 执行一个 cycle 并返回它的最终结果码。
// 返回 error 表示致命错误，motor 会退出。
type CycleRunner interface {
	RunCycle(ctx context.Context, cycle int64) (int, error)
}

// RunnerFunc 适配普通函数
type RunnerFunc func(ctx context.Context, cycle int64) (int, error)

func (f RunnerFunc) RunCycle(ctx context.Context, cycle int64) (int, error) { return f(ctx, cycle) }

var errNoOp = errors.New("dispenser returned no op")

// Action 把 cycle 绑定成操作，执行带重试的尝试循环，并沿操作链继续执行
type Action struct {
	sequencer *planning.Sequencer[ops.Dispenser]
	handler   *errorhandler.Handler
	maxTries  int
	clock     clock.PassiveClock

	bindTimer    *metrics.Timer
	executeTimer *metrics.Timer
	cycleTimer   *metrics.Timer
	tries        *metrics.Histogram
}

// ActionOption 配置 Action
type ActionOption func(*Action)

// WithMaxTries 设置最大尝试次数，小于 1 时按 1 处理
func WithMaxTries(n int) ActionOption {
	return func(a *Action) {
		if n < 1 {
			n = 1
		}
		a.maxTries = n
	}
}

// WithActionClock 注入计时用的时钟
func WithActionClock(c clock.PassiveClock) ActionOption {
	return func(a *Action) { a.clock = c }
}

// WithActionRegistry 把绑定/执行耗时和尝试次数注册到指标注册表
func WithActionRegistry(reg *metrics.Registry) ActionOption {
	return func(a *Action) {
		a.bindTimer = reg.Timer("bind_seconds", "time to bind a cycle to an op", nil)
		a.executeTimer = reg.Timer("execute_seconds", "time per execution attempt", nil)
		a.cycleTimer = reg.Timer("cycle_seconds", "time per cycle including retries and chained ops", nil)
		a.tries = reg.Histogram("tries", "attempts per op", nil, 1<<16)
	}
}

// NewAction 创建 Action，handler 为 nil 时使用默认错误规则
func NewAction(seq *planning.Sequencer[ops.Dispenser], handler *errorhandler.Handler, opts ...ActionOption) *Action {
	if handler == nil {
		handler = errorhandler.NewHandler(errorhandler.MustParseSpec(errorhandler.DefaultSpec), nil)
	}
	a := &Action{
		sequencer: seq,
		handler:   handler,
		maxTries:  DefaultMaxTries,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.bindTimer == nil {
		a.bindTimer = metrics.NewTimer("bind")
		a.executeTimer = metrics.NewTimer("execute")
		a.cycleTimer = metrics.NewTimer("cycle")
		a.tries = metrics.NewHistogram("tries", 1<<16)
	}
	return a
}

func (a *Action) MaxTries() int { return a.maxTries }

// Tries 返回每个操作的尝试次数分布
func (a *Action) Tries() *metrics.Histogram { return a.tries }

// Handler 返回错误处理器
func (a *Action) Handler() *errorhandler.Handler { return a.handler }

// RunCycle 执行一个 cycle。
// 操作链中每个操作都独立走完尝试循环，前一个失败不会中断后续操作；
// 结果码取链上第一个非零结果码。
func (a *Action) RunCycle(ctx context.Context, cycle int64) (int, error) {
	cycleStart := a.clock.Now()
	defer func() { a.cycleTimer.Update(a.clock.Since(cycleStart)) }()

	d := a.sequencer.Select(cycle)
	op, err := d.Dispense(cycle)
	a.bindTimer.Update(a.clock.Since(cycleStart))
	if err != nil {
		return 0, &BindError{Cycle: cycle, Template: d.Name(), Err: err}
	}
	if op == nil {
		return 0, &BindError{Cycle: cycle, Template: d.Name(), Err: errNoOp}
	}

	code := errorhandler.CodeOK
	var prior any
	for {
		c, result, err := a.runOp(ctx, d, op, cycle, prior)
		if err != nil {
			return c, err
		}
		if code == errorhandler.CodeOK {
			code = c
		}
		next, ok := op.Next()
		if !ok || next == nil {
			return code, nil
		}
		op, prior = next, result
	}
}

// runOp 是单个操作的尝试循环。
// 中间失败只经过错误处理器；OnError 只在最后一次失败时调用一次。
func (a *Action) runOp(ctx context.Context, d ops.Dispenser, op ops.Op, cycle int64, prior any) (int, any, error) {
	if !op.Kind().Valid() {
		return 0, nil, fmt.Errorf("%w: template %q cycle %d kind %s", ErrUnknownOpKind, d.Name(), cycle, op.Kind())
	}
	in := ops.Input{Cycle: cycle}
	if op.Kind() == ops.KindChaining {
		in.Prior = prior
	}
	verifier := d.Verifier()

	tries := 0
	defer func() { a.tries.Record(int64(tries)) }()

	for tries < a.maxTries {
		tries++
		last := tries == a.maxTries

		d.OnStart(cycle)
		start := a.clock.Now()
		result, err := op.Execute(ctx, in)
		elapsed := a.clock.Since(start)
		a.executeTimer.Update(elapsed)

		if err != nil {
			detail := a.handler.Handle(cycle, tries, err)
			if detail.Retryable && !last {
				continue
			}
			d.OnError(cycle, elapsed.Nanoseconds(), err)
			return detail.ResultCode, nil, nil
		}

		if verifier != nil {
			ok, verr := verifier(cycle, result)
			if !ok || verr != nil {
				if !last {
					continue
				}
				exhausted := &errorhandler.ExhaustedError{
					Cycle: cycle,
					Tries: tries,
					Last:  &errorhandler.VerificationError{Cycle: cycle, Cause: verr},
				}
				a.handler.Handle(cycle, tries, exhausted)
				d.OnError(cycle, elapsed.Nanoseconds(), exhausted)
				return errorhandler.CodeVerificationExhausted, nil, nil
			}
		}

		d.OnSuccess(cycle, elapsed.Nanoseconds(), op.ResultSize())
		return errorhandler.CodeOK, result, nil
	}
	return errorhandler.CodeOK, nil, nil
}
