package activity

import (
	"fmt"

	"go.uber.org/zap"

	"yqhp/cycle-engine/internal/motor"
	"yqhp/cycle-engine/internal/ratelimit"
)

// ParamUpdate 是运行中的参数修改，nil 字段保持不变。
// CycleRate/StrideRate 为空字符串时关闭对应的限速。
type ParamUpdate struct {
	Threads    *int    `json:"threads,omitempty"`
	Stride     *int    `json:"stride,omitempty"`
	CycleRate  *string `json:"cyclerate,omitempty"`
	StrideRate *string `json:"striderate,omitempty"`
}

// IsEmpty 没有任何修改
func (u ParamUpdate) IsEmpty() bool {
	return u.Threads == nil && u.Stride == nil && u.CycleRate == nil && u.StrideRate == nil
}

type rateChange struct {
	disable bool
	spec    ratelimit.Spec
}

func parseRateChange(name string, raw *string) (*rateChange, error) {
	if raw == nil {
		return nil, nil
	}
	if *raw == "" {
		return &rateChange{disable: true}, nil
	}
	spec, err := ratelimit.ParseSpec(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidParams, name, err)
	}
	return &rateChange{spec: spec}, nil
}

// ApplyParams 先校验全部字段，任意一个不合法时不做任何修改。
// stride 和限速在每个 motor 的下一个循环边界生效，线程数立即增减。
func (a *Activity) ApplyParams(u ParamUpdate) error {
	if u.Threads != nil && *u.Threads < 1 {
		return fmt.Errorf("%w: threads must be at least 1", ErrInvalidParams)
	}
	if u.Stride != nil && *u.Stride < 1 {
		return fmt.Errorf("%w: stride must be at least 1", ErrInvalidParams)
	}
	cycleChange, err := parseRateChange("cyclerate", u.CycleRate)
	if err != nil {
		return err
	}
	strideChange, err := parseRateChange("striderate", u.StrideRate)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if u.Threads != nil && a.started.Load() && (a.closed || a.stopRequested) {
		return ErrNotRunning
	}

	if u.Stride != nil {
		a.stride = *u.Stride
		for _, m := range a.motors {
			m.SetStride(a.stride)
		}
	}
	if cycleChange != nil {
		a.cycleRate = a.applyRateLocked(a.cycleRate, "cyclerate", cycleChange, (*motor.Motor).SetCycleLimiter)
	}
	if strideChange != nil {
		a.strideRate = a.applyRateLocked(a.strideRate, "striderate", strideChange, (*motor.Motor).SetStrideLimiter)
	}
	if u.Threads != nil {
		a.scaleLocked(*u.Threads)
	}

	a.log.Info("params applied",
		zap.Int("threads", a.threads),
		zap.Int("stride", a.stride),
		zap.String("cyclerate", specString(a.cycleRate)),
		zap.String("striderate", specString(a.strideRate)))
	return nil
}

// applyRateLocked 返回修改后的 provider，关闭限速时返回 nil
func (a *Activity) applyRateLocked(p *ratelimit.Provider, name string, c *rateChange, set func(*motor.Motor, ratelimit.Limiter)) *ratelimit.Provider {
	if c.disable {
		for _, m := range a.motors {
			set(m, nil)
		}
		return nil
	}
	if p != nil {
		p.Apply(c.spec)
		return p
	}
	p = ratelimit.NewProvider(a.cfg.Alias+"_"+name, c.spec, a.scope, a.limiterOpts...)
	for slot, m := range a.motors {
		set(m, p.For(slot))
	}
	return p
}

// scaleLocked 增加 motor 或让编号最大的 motor 退役，直到运行中的数量等于 target。
// 退役的 motor 先跑完当前 stride，已领取的 cycle 不会丢失。
func (a *Activity) scaleLocked(target int) {
	a.threads = target
	// Start 持锁设置 ctx 后才会按 threads 启动 motor
	if a.ctx == nil {
		return
	}

	var running []int
	for _, slot := range a.sortedSlotsLocked() {
		if m := a.motors[slot]; m.State() == motor.Running && !m.Retiring() {
			running = append(running, slot)
		}
	}

	for i := len(running); i < target; i++ {
		a.spawnLocked()
	}
	for i := len(running) - 1; i >= target; i-- {
		a.motors[running[i]].Retire()
	}
}

func specString(p *ratelimit.Provider) string {
	if p == nil {
		return ""
	}
	return p.Spec().String()
}
