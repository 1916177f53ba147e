// Package metrics 管理一个 activity 的全部指标，并以 Prometheus 格式暴露。
//
// 指标分类:
//   - Timer: 按模板区分的成功/失败耗时，HdrHistogram 记录，导出为 summary
//   - Histogram: 重试次数、结果大小等分布
//   - Counter: 只增不减的计数
//   - Gauge: 读取时回调，例如限流器累计等待时间、在途操作数
package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace 所有导出指标的前缀
const Namespace = "cycle_engine"

// Labels 指标的固定标签
type Labels map[string]string

func (l Labels) key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
		b.WriteByte(',')
	}
	return b.String()
}

func (l Labels) merge(base Labels) prometheus.Labels {
	out := make(prometheus.Labels, len(l)+len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Counter 原子计数器
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Count() int64 { return c.v.Load() }

type entry struct {
	name   string
	help   string
	labels Labels
	kind   string

	timer   *Timer
	hist    *Histogram
	counter *Counter
	gauge   func() float64
}

// Registry 保存一个 activity 的全部指标
type Registry struct {
	labels  Labels
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry 创建注册表，labels 会附加到所有导出的指标上
func NewRegistry(labels Labels) *Registry {
	return &Registry{
		labels:  labels,
		entries: make(map[string]*entry),
	}
}

func (r *Registry) getOrCreate(name, help, kind string, labels Labels, create func(e *entry)) *entry {
	key := kind + "|" + name + "|" + labels.key()
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[key]; ok {
		return e
	}
	e = &entry{name: name, help: help, labels: labels, kind: kind}
	create(e)
	r.entries[key] = e
	r.order = append(r.order, key)
	return e
}

// Timer 获取或创建耗时统计
func (r *Registry) Timer(name, help string, labels Labels) *Timer {
	return r.getOrCreate(name, help, "timer", labels, func(e *entry) {
		e.timer = NewTimer(name)
	}).timer
}

// Histogram 获取或创建分布统计
func (r *Registry) Histogram(name, help string, labels Labels, maxValue int64) *Histogram {
	return r.getOrCreate(name, help, "histogram", labels, func(e *entry) {
		e.hist = NewHistogram(name, maxValue)
	}).hist
}

// Counter 获取或创建计数器
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	return r.getOrCreate(name, help, "counter", labels, func(e *entry) {
		e.counter = &Counter{}
	}).counter
}

// GaugeFunc 注册读取时回调的仪表，同名同标签重复注册时替换回调
func (r *Registry) GaugeFunc(name, help string, labels Labels, fn func() float64) {
	e := r.getOrCreate(name, help, "gauge", labels, func(e *entry) {})
	r.mu.Lock()
	e.gauge = fn
	r.mu.Unlock()
}

// Unregister 移除一个指标，motor 退出时用于释放独占仪表
func (r *Registry) Unregister(kind, name string, labels Labels) {
	key := kind + "|" + name + "|" + labels.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// Format 返回所有指标的统计结果，键为名称加标签
func (r *Registry) Format() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, e := range r.snapshot() {
		key := e.name
		if lk := e.labels.key(); lk != "" {
			key += "{" + strings.TrimSuffix(lk, ",") + "}"
		}
		switch e.kind {
		case "timer":
			out[key] = formatSnapshot(e.timer.Snapshot(), float64(time.Millisecond))
		case "histogram":
			out[key] = formatSnapshot(e.hist.Snapshot(), 1)
		case "counter":
			out[key] = map[string]float64{"count": float64(e.counter.Count())}
		case "gauge":
			if fn := r.gaugeFn(e); fn != nil {
				out[key] = map[string]float64{"value": fn()}
			}
		}
	}
	return out
}

func (r *Registry) gaugeFn(e *entry) func() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.gauge
}

func formatSnapshot(s Snapshot, unit float64) map[string]float64 {
	m := map[string]float64{"count": float64(s.Count)}
	if s.Count == 0 {
		return m
	}
	m["min"] = float64(s.Min) / unit
	m["max"] = float64(s.Max) / unit
	m["avg"] = s.Mean / unit
	m["p50"] = float64(s.Quantiles[0.5]) / unit
	m["p95"] = float64(s.Quantiles[0.95]) / unit
	m["p99"] = float64(s.Quantiles[0.99]) / unit
	return m
}

// Collector 把 Registry 适配成 prometheus.Collector。
// 指标集合会在运行中变化，因此 Describe 不输出描述符。
type Collector struct {
	reg *Registry
}

func (r *Registry) Collector() *Collector {
	return &Collector{reg: r}
}

func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.reg.snapshot() {
		fqName := prometheus.BuildFQName(Namespace, "", e.name)
		desc := prometheus.NewDesc(fqName, e.help, nil, e.labels.merge(c.reg.labels))
		switch e.kind {
		case "timer":
			s := e.timer.Snapshot()
			ch <- prometheus.MustNewConstSummary(desc, uint64(s.Count), s.Sum()/float64(time.Second), quantiles(s, float64(time.Second)))
		case "histogram":
			s := e.hist.Snapshot()
			ch <- prometheus.MustNewConstSummary(desc, uint64(s.Count), s.Sum(), quantiles(s, 1))
		case "counter":
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(e.counter.Count()))
		case "gauge":
			if fn := c.reg.gaugeFn(e); fn != nil {
				ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, fn())
			}
		}
	}
}

func quantiles(s Snapshot, unit float64) map[float64]float64 {
	out := make(map[float64]float64, len(s.Quantiles))
	for q, v := range s.Quantiles {
		out[q] = float64(v) / unit
	}
	return out
}

// Prometheus 返回独立的 Prometheus 注册表，包含本 Registry 与 Go 运行时指标
func (r *Registry) Prometheus() *prometheus.Registry {
	pr := prometheus.NewRegistry()
	pr.MustRegister(r.Collector())
	pr.MustRegister(collectors.NewGoCollector())
	return pr
}
