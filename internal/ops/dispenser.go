package ops

import (
	"sync/atomic"
	"time"

	"yqhp/cycle-engine/internal/metrics"
)

// Verifier 校验一次成功执行的结果，false 表示需要重试
type Verifier func(cycle int64, result any) (bool, error)

// Dispenser 按 cycle 生成操作，每个操作模板一个。
// 同一个 cycle 可能被多次请求（重试），每次都必须给出等价的操作。
type Dispenser interface {
	Name() string
	Dispense(cycle int64) (Op, error)

	// 下面的钩子由 motor 在每次尝试前后调用
	OnStart(cycle int64)
	OnSuccess(cycle int64, nanos int64, resultSize int64)
	OnError(cycle int64, nanos int64, err error)

	// Verifier 返回结果校验函数，没有配置时返回 nil
	Verifier() Verifier
}

// Factory 把 cycle 绑定成操作
type Factory func(cycle int64) (Op, error)

// BaseDispenser 包装 Factory 并记录每个模板的成功/失败耗时与结果大小
type BaseDispenser struct {
	name     string
	factory  Factory
	verifier Verifier

	successTimer *metrics.Timer
	errorTimer   *metrics.Timer
	resultSize   *metrics.Histogram

	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// DispenserOption 配置 BaseDispenser
type DispenserOption func(*BaseDispenser)

// WithVerifier 设置结果校验
func WithVerifier(v Verifier) DispenserOption {
	return func(d *BaseDispenser) { d.verifier = v }
}

// WithRegistry 把统计注册到 activity 的指标注册表
func WithRegistry(reg *metrics.Registry) DispenserOption {
	return func(d *BaseDispenser) {
		labels := metrics.Labels{"op": d.name}
		d.successTimer = reg.Timer("op_success_seconds", "successful attempt latency per op template", labels)
		d.errorTimer = reg.Timer("op_error_seconds", "failed attempt latency per op template", labels)
		d.resultSize = reg.Histogram("op_result_size", "result size per op template", labels, 1<<40)
	}
}

// NewBaseDispenser 创建 BaseDispenser，未指定注册表时统计只保存在本地
func NewBaseDispenser(name string, factory Factory, opts ...DispenserOption) *BaseDispenser {
	d := &BaseDispenser{name: name, factory: factory}
	for _, opt := range opts {
		opt(d)
	}
	if d.successTimer == nil {
		d.successTimer = metrics.NewTimer(name + "_success")
		d.errorTimer = metrics.NewTimer(name + "_error")
		d.resultSize = metrics.NewHistogram(name+"_result_size", 1<<40)
	}
	return d
}

func (d *BaseDispenser) Name() string {
	return d.name
}

func (d *BaseDispenser) Dispense(cycle int64) (Op, error) {
	return d.factory(cycle)
}

func (d *BaseDispenser) OnStart(int64) {
	d.started.Add(1)
}

// OnSuccess 记录成功耗时，结果大小未知时不计入分布
func (d *BaseDispenser) OnSuccess(_ int64, nanos int64, resultSize int64) {
	d.succeeded.Add(1)
	d.successTimer.Update(time.Duration(nanos))
	if resultSize > UnknownResultSize {
		d.resultSize.Record(resultSize)
	}
}

func (d *BaseDispenser) OnError(_ int64, nanos int64, _ error) {
	d.failed.Add(1)
	d.errorTimer.Update(time.Duration(nanos))
}

func (d *BaseDispenser) Verifier() Verifier {
	return d.verifier
}

// Stats 返回本模板的尝试统计
func (d *BaseDispenser) Stats() (started, succeeded, failed int64) {
	return d.started.Load(), d.succeeded.Load(), d.failed.Load()
}

// SuccessTimer 返回成功耗时统计
func (d *BaseDispenser) SuccessTimer() *metrics.Timer {
	return d.successTimer
}

// ResultSizes 返回结果大小分布
func (d *BaseDispenser) ResultSizes() *metrics.Histogram {
	return d.resultSize
}
