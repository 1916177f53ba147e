// Package diag 提供用于诊断和自测的操作：固定延迟、按 cycle 注入失败、可选的独立限速。
//
// 模板参数:
//
//	sleep       每次尝试的延迟，纯数字按毫秒
//	fail_every  cycle 能被 N 整除时失败，0 表示不失败
//	fail_tries  失败 cycle 的前 N 次尝试失败，之后成功；0 表示每次都失败
//	result      none | cycle | json，决定操作类型和结果
//	chain       true 时追加一个回显上一个结果的链式操作
//	diagrate    限速规格，例如 "100,1.1"
package diag

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"yqhp/cycle-engine/internal/ops"
	"yqhp/cycle-engine/internal/ratelimit"
)

// AdapterType 注册名
const AdapterType = "diag"

func init() {
	ops.Register(AdapterType, func(t ops.Template) (ops.Factory, error) {
		task, err := New(t)
		if err != nil {
			return nil, err
		}
		return task.Dispense, nil
	})
}

// Error 是 diag 操作注入的失败
type Error struct {
	Cycle int64
	Try   int
}

func (e *Error) Error() string {
	return fmt.Sprintf("diag failure at cycle %d try %d", e.Cycle, e.Try)
}

func (e *Error) ErrorName() string { return "DiagError" }

// Config 是解析后的模板参数
type Config struct {
	Sleep     time.Duration
	FailEvery int64
	FailTries int64
	Result    string
	Chain     bool
	DiagRate  string
}

// ParseConfig 从模板参数解析配置
func ParseConfig(t ops.Template) (Config, error) {
	var cfg Config
	var err error
	if cfg.Sleep, err = t.DurationParam("sleep", 0); err != nil {
		return cfg, err
	}
	if cfg.FailEvery, err = t.IntParam("fail_every", 0); err != nil {
		return cfg, err
	}
	if cfg.FailTries, err = t.IntParam("fail_tries", 0); err != nil {
		return cfg, err
	}
	if cfg.FailEvery < 0 || cfg.FailTries < 0 {
		return cfg, fmt.Errorf("op %s: fail_every and fail_tries must not be negative", t.Name)
	}
	cfg.Result = t.Param("result", "none")
	switch cfg.Result {
	case "none", "cycle", "json":
	default:
		return cfg, fmt.Errorf("op %s: unknown result %q", t.Name, cfg.Result)
	}
	if v := t.Param("chain", "false"); v != "" {
		if cfg.Chain, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("op %s: param chain: %w", t.Name, err)
		}
	}
	cfg.DiagRate = t.Param("diagrate", "")
	return cfg, nil
}

// Task 是一个 diag 模板，持有自己的限速器
type Task struct {
	name string
	cfg  Config

	mu      sync.Mutex
	limiter *ratelimit.RateLimiter
}

// New 根据模板创建 Task
func New(t ops.Template) (*Task, error) {
	cfg, err := ParseConfig(t)
	if err != nil {
		return nil, err
	}
	task := &Task{name: t.Name, cfg: cfg}
	if cfg.DiagRate != "" {
		if err := task.UpdateRate(cfg.DiagRate); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (d *Task) Config() Config { return d.cfg }

// UpdateRate 创建或更新限速器，已有的限速器保留调度状态
func (d *Task) UpdateRate(spec string) error {
	rs, err := ratelimit.ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("op %s: diagrate: %w", d.name, err)
	}
	d.mu.Lock()
	d.limiter = ratelimit.CreateOrUpdate(d.limiter, "diag_"+d.name, rs)
	d.mu.Unlock()
	return nil
}

// Limiter 返回限速器，未配置时为 nil
func (d *Task) Limiter() *ratelimit.RateLimiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiter
}

// Dispense 为 cycle 创建操作；重试复用同一个操作，尝试计数保存在操作内
func (d *Task) Dispense(cycle int64) (ops.Op, error) {
	var opts []ops.OpOption
	if d.cfg.Chain {
		opts = append(opts, ops.Then(ops.ChainFunc(func(_ context.Context, prior any) (any, error) {
			return prior, nil
		})))
	}

	tries := 0
	attempt := func(ctx context.Context) error {
		tries++
		if l := d.Limiter(); l != nil {
			if _, err := l.WaitForOp(ctx); err != nil {
				return err
			}
		}
		if d.cfg.Sleep > 0 {
			timer := time.NewTimer(d.cfg.Sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if d.shouldFail(cycle, tries) {
			return &Error{Cycle: cycle, Try: tries}
		}
		return nil
	}

	switch d.cfg.Result {
	case "cycle":
		opts = append(opts, ops.WithResultSize(func(any) int64 { return 8 }))
		return ops.CycleFunc(func(ctx context.Context, c int64) (any, error) {
			if err := attempt(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}, opts...), nil
	case "json":
		opts = append(opts, ops.WithResultSize(func(r any) int64 {
			if b, ok := r.([]byte); ok {
				return int64(len(b))
			}
			return ops.UnknownResultSize
		}))
		return ops.CycleFunc(func(ctx context.Context, c int64) (any, error) {
			if err := attempt(ctx); err != nil {
				return nil, err
			}
			return []byte(fmt.Sprintf(`{"cycle":%d,"tries":%d,"ok":true}`, c, tries)), nil
		}, opts...), nil
	default:
		return ops.RunnableFunc(attempt, opts...), nil
	}
}

func (d *Task) shouldFail(cycle int64, try int) bool {
	if d.cfg.FailEvery == 0 || cycle%d.cfg.FailEvery != 0 {
		return false
	}
	return d.cfg.FailTries == 0 || int64(try) <= d.cfg.FailTries
}
