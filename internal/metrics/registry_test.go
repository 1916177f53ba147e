package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramSnapshot(t *testing.T) {
	h := NewHistogram("tries", 100)
	for i := int64(1); i <= 100; i++ {
		h.Record(i)
	}
	h.Record(1000) // 截断到上限

	s := h.Snapshot()
	assert.Equal(t, int64(101), s.Count)
	assert.Equal(t, int64(1), s.Min)
	assert.Equal(t, int64(100), s.Max)
	assert.InDelta(t, 50, s.Quantiles[0.5], 1)
	assert.InDelta(t, 99, s.Quantiles[0.99], 1)

	h.Reset()
	assert.Equal(t, int64(0), h.Snapshot().Count)
}

func TestTimerUpdate(t *testing.T) {
	tm := NewTimer("op")
	tm.Update(2 * time.Millisecond)
	tm.Update(4 * time.Millisecond)

	s := tm.Snapshot()
	assert.Equal(t, int64(2), s.Count)
	assert.InEpsilon(t, float64(3*time.Millisecond), s.Mean, 0.01)
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry(Labels{"activity": "diag"})

	a := r.Timer("op_success", "", Labels{"op": "read"})
	b := r.Timer("op_success", "", Labels{"op": "read"})
	c := r.Timer("op_success", "", Labels{"op": "write"})
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	cnt := r.Counter("errors", "", nil)
	cnt.Inc()
	cnt.Add(2)
	assert.Equal(t, int64(3), r.Counter("errors", "", nil).Count())
}

func TestRegistryFormat(t *testing.T) {
	r := NewRegistry(nil)
	r.Timer("op_success", "", Labels{"op": "read"}).Update(time.Millisecond)
	r.Counter("cycles", "", nil).Add(5)
	r.GaugeFunc("pending", "", nil, func() float64 { return 7 })

	out := r.Format()
	require.Contains(t, out, "op_success{op=read}")
	assert.Equal(t, 1.0, out["op_success{op=read}"]["count"])
	assert.InDelta(t, 1.0, out["op_success{op=read}"]["avg"], 0.01)
	assert.Equal(t, 5.0, out["cycles"]["count"])
	assert.Equal(t, 7.0, out["pending"]["value"])
}

func TestCollectorExportsAll(t *testing.T) {
	r := NewRegistry(Labels{"activity": "diag"})
	r.Timer("op_success", "success latency", Labels{"op": "read"}).Update(time.Millisecond)
	r.Histogram("tries", "attempts per cycle", nil, 100).Record(1)
	r.Counter("errors_total", "errors", nil).Inc()
	r.GaugeFunc("pending_ops", "pending", nil, func() float64 { return 1 })

	assert.Equal(t, 4, testutil.CollectAndCount(r.Collector()))

	r.Unregister("gauge", "pending_ops", nil)
	assert.Equal(t, 3, testutil.CollectAndCount(r.Collector()))
}

func TestPrometheusRegistryGathers(t *testing.T) {
	r := NewRegistry(Labels{"activity": "diag"})
	r.Counter("cycles_total", "cycles", nil).Add(3)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "cycle_engine_cycles_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
