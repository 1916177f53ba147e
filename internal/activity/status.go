package activity

import (
	"time"

	"yqhp/cycle-engine/internal/motor"
	"yqhp/cycle-engine/internal/ratelimit"
)

// State 是 activity 的整体状态
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFinished State = "finished"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// SlotStatus 是单个槽位的快照
type SlotStatus struct {
	Slot     int    `json:"slot"`
	State    string `json:"state"`
	Stride   int    `json:"stride"`
	Segments int64  `json:"segments"`
	Cycles   int64  `json:"cycles"`
	Pending  int    `json:"pending"`
}

// Status 是 activity 的快照
type Status struct {
	RunID      string           `json:"run_id"`
	Alias      string           `json:"alias"`
	State      State            `json:"state"`
	Cycles     string           `json:"cycles"`
	Threads    int              `json:"threads"`
	Stride     int              `json:"stride"`
	CycleRate  string           `json:"cyclerate,omitempty"`
	StrideRate string           `json:"striderate,omitempty"`
	Async      bool             `json:"async"`
	Claimed    int64            `json:"claimed_segments"`
	Remaining  int64            `json:"remaining"`
	Completed  int64            `json:"completed"`
	Errors     map[string]int64 `json:"errors"`
	Slots      []SlotStatus     `json:"slots"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	ElapsedMs  int64            `json:"elapsed_ms"`
}

// Status 返回当前快照
func (a *Activity) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{
		RunID:      a.runID,
		Alias:      a.cfg.Alias,
		State:      a.stateLocked(),
		Cycles:     a.source.Range().String(),
		Threads:    a.threads,
		Stride:     a.stride,
		CycleRate:  specString(a.cycleRate),
		StrideRate: specString(a.strideRate),
		Async:      a.cfg.Async,
		Claimed:    a.source.Claimed(),
		Remaining:  a.source.Remaining(),
		Completed:  a.exitedCycles,
		Errors:     a.handler.Counts(),
		Slots:      make([]SlotStatus, 0, len(a.motors)),
		StartedAt:  a.startedAt,
	}
	for _, slot := range a.sortedSlotsLocked() {
		m := a.motors[slot]
		ss := SlotStatus{
			Slot:     slot,
			State:    m.State().String(),
			Stride:   m.Stride(),
			Segments: m.Segments(),
			Cycles:   m.Cycles(),
		}
		if t := m.Tracker(); t != nil {
			ss.Pending = t.Pending()
		}
		s.Completed += ss.Cycles
		s.Slots = append(s.Slots, ss)
	}

	switch {
	case a.startedAt.IsZero():
	case a.closed:
		s.ElapsedMs = a.finishedAt.Sub(a.startedAt).Milliseconds()
	default:
		s.ElapsedMs = time.Since(a.startedAt).Milliseconds()
	}
	return s
}

// State 返回整体状态
func (a *Activity) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Activity) stateLocked() State {
	switch {
	case !a.started.Load():
		return StateIdle
	case !a.closed && a.stopRequested:
		return StateStopping
	case !a.closed:
		return StateRunning
	case a.motorErrors() != nil:
		return StateFailed
	case a.source.Exhausted() && !a.stopRequested:
		return StateFinished
	default:
		return StateStopped
	}
}

// registerGauges 注册限速器和在途队列的仪表，回调读取当前 provider，热更新后依然有效
func (a *Activity) registerGauges() {
	a.registerLimiterGauges("cyclerate", func() *ratelimit.Provider { return a.cycleRate })
	a.registerLimiterGauges("striderate", func() *ratelimit.Provider { return a.strideRate })

	a.reg.GaugeFunc("threads", "configured motor count", nil, func() float64 {
		a.mu.Lock()
		defer a.mu.Unlock()
		return float64(a.threads)
	})
	a.reg.GaugeFunc("segments_claimed", "segments claimed from the cycle range", nil, func() float64 {
		return float64(a.source.Claimed())
	})
	a.reg.GaugeFunc("cycles_remaining", "cycles not yet claimed", nil, func() float64 {
		return float64(a.source.Remaining())
	})
	if !a.cfg.Async {
		return
	}
	a.reg.GaugeFunc("tracker_pending", "async ops in flight across motors", nil, func() float64 {
		return a.sumTrackers(func(m *motor.Motor) float64 { return float64(m.Tracker().Pending()) })
	})
	a.reg.GaugeFunc("tracker_blocked", "admissions that waited for a free slot", nil, func() float64 {
		return a.sumTrackers(func(m *motor.Motor) float64 { return float64(m.Tracker().Blocked()) })
	})
}

func (a *Activity) registerLimiterGauges(name string, provider func() *ratelimit.Provider) {
	read := func(fn func(p *ratelimit.Provider) float64) func() float64 {
		return func() float64 {
			a.mu.Lock()
			p := provider()
			a.mu.Unlock()
			if p == nil {
				return 0
			}
			return fn(p)
		}
	}
	a.reg.GaugeFunc(name+"_total_wait_seconds", "accumulated schedule lag", nil, read(func(p *ratelimit.Provider) float64 {
		var total time.Duration
		for _, l := range p.Limiters() {
			total += l.TotalWaitTime()
		}
		return total.Seconds()
	}))
	a.reg.GaugeFunc(name+"_ops_per_second", "configured rate", nil, read(func(p *ratelimit.Provider) float64 {
		return p.Spec().OpsPerSec
	}))
	a.reg.GaugeFunc(name+"_burst_ops_per_second", "configured burst rate", nil, read(func(p *ratelimit.Provider) float64 {
		return p.Spec().BurstRate()
	}))
}

func (a *Activity) sumTrackers(fn func(m *motor.Motor) float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total float64
	for _, m := range a.motors {
		if m.Tracker() != nil {
			total += fn(m)
		}
	}
	return total
}
