package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// 默认记录范围：1ns 到 1 小时，3 位有效数字
const (
	defaultMaxValue = int64(time.Hour)
	defaultSigFigs  = 3
)

// Quantiles 输出时使用的分位点
var Quantiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999}

// Snapshot 是某一时刻的分布统计
type Snapshot struct {
	Count     int64
	Min       int64
	Max       int64
	Mean      float64
	StdDev    float64
	Quantiles map[float64]int64
}

// Sum 返回近似总和
func (s Snapshot) Sum() float64 {
	return s.Mean * float64(s.Count)
}

// Histogram 基于 HdrHistogram 的分布统计，超出范围的值截断到上限
type Histogram struct {
	name string
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
	max  int64
}

// NewHistogram 创建取值范围为 [1, maxValue] 的直方图
func NewHistogram(name string, maxValue int64) *Histogram {
	if maxValue <= 1 {
		maxValue = defaultMaxValue
	}
	return &Histogram{
		name: name,
		hist: hdrhistogram.New(1, maxValue, defaultSigFigs),
		max:  maxValue,
	}
}

func (h *Histogram) Name() string {
	return h.name
}

// Record 记录一个值，负数按 0 处理
func (h *Histogram) Record(v int64) {
	if v < 0 {
		v = 0
	}
	if v > h.max {
		v = h.max
	}
	h.mu.Lock()
	_ = h.hist.RecordValue(v)
	h.mu.Unlock()
}

// Snapshot 返回当前统计
func (h *Histogram) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		Count:     h.hist.TotalCount(),
		Quantiles: make(map[float64]int64, len(Quantiles)),
	}
	if s.Count == 0 {
		return s
	}
	s.Min = h.hist.Min()
	s.Max = h.hist.Max()
	s.Mean = h.hist.Mean()
	s.StdDev = h.hist.StdDev()
	for _, q := range Quantiles {
		s.Quantiles[q] = h.hist.ValueAtQuantile(q * 100)
	}
	return s
}

// Reset 清空统计
func (h *Histogram) Reset() {
	h.mu.Lock()
	h.hist.Reset()
	h.mu.Unlock()
}

// Timer 以纳秒记录耗时
type Timer struct {
	*Histogram
}

func NewTimer(name string) *Timer {
	return &Timer{Histogram: NewHistogram(name, defaultMaxValue)}
}

// Update 记录一次耗时
func (t *Timer) Update(d time.Duration) {
	t.Record(int64(d))
}

// Time 记录 fn 的执行耗时
func (t *Timer) Time(fn func()) {
	start := time.Now()
	fn()
	t.Update(time.Since(start))
}
