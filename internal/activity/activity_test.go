package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "yqhp/cycle-engine/internal/adapter/diag"
	"yqhp/cycle-engine/internal/config"
	"yqhp/cycle-engine/internal/cycles"
	"yqhp/cycle-engine/internal/motor"
	"yqhp/cycle-engine/internal/output"
)

func baseConfig(cycleSpec string, threads int) config.ActivityConfig {
	cfg := config.DefaultConfig().Activity
	cfg.Alias = "test"
	cfg.Cycles = cycleSpec
	cfg.Threads = threads
	return cfg
}

func newActivity(t *testing.T, cfg config.ActivityConfig) (*Activity, *output.Summary) {
	t.Helper()
	summary := output.NewSummary()
	a, err := New(cfg, WithOutputs(summary))
	require.NoError(t, err)
	return a, summary
}

type rejectingOutput struct{}

func (rejectingOutput) Description() string             { return "rejecting" }
func (rejectingOutput) Start() error                    { return nil }
func (rejectingOutput) OnSegment([]cycles.Result) error { return errors.New("disk full") }
func (rejectingOutput) Stop() error                     { return nil }

func TestRunCompletesAllCycles(t *testing.T) {
	cfg := baseConfig("100", 4)
	cfg.Stride = 10
	a, summary := newActivity(t, cfg)

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, int64(100), summary.Total())
	assert.Equal(t, map[int]int64{0: 100}, summary.Counts())
	assert.Equal(t, int64(10), summary.Segments())

	s := a.Status()
	assert.Equal(t, StateFinished, s.State)
	assert.Equal(t, int64(100), s.Completed)
	assert.Equal(t, int64(0), s.Remaining)
	assert.Empty(t, s.Slots)
	assert.NotEmpty(t, a.RunID())

	select {
	case <-a.Done():
	default:
		t.Fatal("done should be closed after Run")
	}
}

func TestErrorCodesReachOutput(t *testing.T) {
	cfg := baseConfig("100", 2)
	cfg.MaxTries = 3
	cfg.Errors = "DiagError:stop,code=7,count"
	cfg.Ops = []config.OpConfig{{
		Name: "flaky", Ratio: 1, Type: "diag",
		Params: map[string]string{"fail_every": "10"},
	}}
	a, summary := newActivity(t, cfg)

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, map[int]int64{0: 90, 7: 10}, summary.Counts())
	assert.Equal(t, map[string]int64{"DiagError": 10}, a.Handler().Counts())
	started, succeeded, failed := a.Dispensers()[0].Stats()
	assert.Equal(t, int64(100), started)
	assert.Equal(t, int64(90), succeeded)
	assert.Equal(t, int64(10), failed)
}

func TestRetriesUntilSuccess(t *testing.T) {
	cfg := baseConfig("20", 1)
	cfg.MaxTries = 5
	cfg.Ops = []config.OpConfig{{
		Name: "flaky", Ratio: 1, Type: "diag",
		Params: map[string]string{"fail_every": "5", "fail_tries": "2"},
	}}
	a, summary := newActivity(t, cfg)

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, map[int]int64{0: 20}, summary.Counts())
	// cycle 0,5,10,15 各失败两次
	assert.Equal(t, int64(3), a.Action().Tries().Snapshot().Max)
}

func TestAsyncRun(t *testing.T) {
	cfg := baseConfig("200", 2)
	cfg.Async = true
	cfg.MaxPending = 8
	cfg.Stride = 16
	a, summary := newActivity(t, cfg)

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, int64(200), summary.Total())
	assert.Equal(t, StateFinished, a.State())
}

func TestRatioDispatch(t *testing.T) {
	cfg := baseConfig("400", 3)
	cfg.Seq = "interval"
	cfg.Ops = []config.OpConfig{
		{Name: "read", Ratio: 3, Type: "diag"},
		{Name: "write", Ratio: 1, Type: "diag"},
	}
	a, _ := newActivity(t, cfg)

	require.NoError(t, a.Run(context.Background()))

	reads, _, _ := a.Dispensers()[0].Stats()
	writes, _, _ := a.Dispensers()[1].Stats()
	assert.Equal(t, int64(300), reads)
	assert.Equal(t, int64(100), writes)
}

func TestStopHaltsRun(t *testing.T) {
	cfg := baseConfig("1B", 2)
	cfg.Ops = []config.OpConfig{{Name: "slow", Ratio: 1, Type: "diag", Params: map[string]string{"sleep": "1"}}}
	a, summary := newActivity(t, cfg)

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return a.Status().Completed > 0 }, 5*time.Second, 5*time.Millisecond)

	a.Stop()
	a.Stop()
	require.NoError(t, a.Wait())

	assert.Equal(t, StateStopped, a.State())
	assert.Less(t, summary.Total(), int64(1_000_000_000))
	assert.Equal(t, a.Status().Completed, summary.Total())
}

func TestContextCancelStopsRun(t *testing.T) {
	cfg := baseConfig("1B", 2)
	cfg.Ops = []config.OpConfig{{Name: "slow", Ratio: 1, Type: "diag", Params: map[string]string{"sleep": "1"}}}
	a, _ := newActivity(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.NoError(t, a.Wait())
	assert.Equal(t, StateStopped, a.State())
}

func TestApplyParamsScalesThreads(t *testing.T) {
	cfg := baseConfig("1B", 1)
	cfg.Ops = []config.OpConfig{{Name: "slow", Ratio: 1, Type: "diag", Params: map[string]string{"sleep": "1"}}}
	a, _ := newActivity(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		a.Stop()
		_ = a.Wait()
	}()

	three := 3
	require.NoError(t, a.ApplyParams(ParamUpdate{Threads: &three}))
	assert.Len(t, a.Status().Slots, 3)

	one := 1
	require.NoError(t, a.ApplyParams(ParamUpdate{Threads: &one}))
	require.Eventually(t, func() bool { return len(a.Status().Slots) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.Status().Slots[0].Slot)
	assert.Equal(t, 1, a.Status().Threads)
}

func TestScaleDownKeepsClaimedCycles(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(map[bool]string{false: "sync", true: "async"}[async], func(t *testing.T) {
			cfg := baseConfig("400", 2)
			cfg.Stride = 100
			cfg.Async = async
			cfg.MaxPending = 8
			cfg.Ops = []config.OpConfig{{Name: "slow", Ratio: 1, Type: "diag", Params: map[string]string{"sleep": "1"}}}
			a, summary := newActivity(t, cfg)
			require.NoError(t, a.Start(context.Background()))

			// 两个 motor 都已经领取了 stride
			require.Eventually(t, func() bool { return a.Status().Remaining <= 200 }, 5*time.Second, time.Millisecond)
			one := 1
			require.NoError(t, a.ApplyParams(ParamUpdate{Threads: &one}))

			require.NoError(t, a.Wait())
			assert.Equal(t, StateFinished, a.State())
			assert.Equal(t, int64(400), summary.Total())
			assert.Equal(t, int64(400), a.Status().Completed)
			assert.Equal(t, int64(0), a.Status().Remaining)
		})
	}
}

func TestApplyParamsDuringStart(t *testing.T) {
	cfg := baseConfig("200", 2)
	cfg.Ops = []config.OpConfig{{Name: "slow", Ratio: 1, Type: "diag", Params: map[string]string{"sleep": "1"}}}
	a, summary := newActivity(t, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 50; i++ {
			stride := i%4 + 1
			threads := i%3 + 1
			_ = a.ApplyParams(ParamUpdate{Stride: &stride, Threads: &threads})
		}
	}()
	require.NoError(t, a.Start(context.Background()))
	<-done

	require.NoError(t, a.Wait())
	assert.Equal(t, int64(200), summary.Total())
}

func TestApplyParamsIsAtomic(t *testing.T) {
	a, _ := newActivity(t, baseConfig("10", 1))

	zero := 0
	assert.ErrorIs(t, a.ApplyParams(ParamUpdate{Threads: &zero}), ErrInvalidParams)

	stride := 50
	bad := "fast"
	err := a.ApplyParams(ParamUpdate{Stride: &stride, CycleRate: &bad})
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Equal(t, 1, a.Status().Stride)
	assert.True(t, ParamUpdate{}.IsEmpty())
}

func TestApplyParamsRates(t *testing.T) {
	a, _ := newActivity(t, baseConfig("10", 1))
	assert.Empty(t, a.Status().CycleRate)

	rate := "1000,1.5"
	require.NoError(t, a.ApplyParams(ParamUpdate{CycleRate: &rate, StrideRate: &rate}))
	s := a.Status()
	assert.NotEmpty(t, s.CycleRate)
	assert.NotEmpty(t, s.StrideRate)
	assert.Equal(t, 1000.0, a.Registry().Format()["cyclerate_ops_per_second"]["value"])

	off := ""
	require.NoError(t, a.ApplyParams(ParamUpdate{CycleRate: &off}))
	assert.Empty(t, a.Status().CycleRate)
	assert.Equal(t, 0.0, a.Registry().Format()["cyclerate_ops_per_second"]["value"])

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, StateFinished, a.State())
}

func TestRateLimitedRun(t *testing.T) {
	cfg := baseConfig("20", 2)
	cfg.CycleRate = "200"
	cfg.TLRate = true
	a, summary := newActivity(t, cfg)

	start := time.Now()
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, int64(20), summary.Total())
	// 每个 motor 200 ops/s，两个 motor 跑 20 个 cycle 至少需要约 45ms
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestStopSlot(t *testing.T) {
	cfg := baseConfig("1B", 2)
	cfg.Ops = []config.OpConfig{{Name: "slow", Ratio: 1, Type: "diag", Params: map[string]string{"sleep": "1"}}}
	a, _ := newActivity(t, cfg)

	assert.ErrorIs(t, a.StopSlot(0), ErrUnknownSlot)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.StopSlot(1))
	require.Eventually(t, func() bool { return len(a.Status().Slots) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, a.StopSlot(1), ErrUnknownSlot)
	assert.Equal(t, 1, a.Status().Threads)

	a.Stop()
	require.NoError(t, a.Wait())
}

func TestLifecycleErrors(t *testing.T) {
	a, _ := newActivity(t, baseConfig("1", 1))
	assert.ErrorIs(t, a.Wait(), ErrNotStarted)
	assert.Equal(t, StateIdle, a.State())

	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, a.Wait())

	one := 1
	assert.ErrorIs(t, a.ApplyParams(ParamUpdate{Threads: &one}), ErrNotRunning)
}

func TestOutputFailureIsFatal(t *testing.T) {
	a, err := New(baseConfig("100", 2), WithOutputs(rejectingOutput{}))
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, motor.ErrOutput)
	assert.Contains(t, err.Error(), "slot 0: ")
	assert.Equal(t, StateFailed, a.State())
	// 再次 Wait 返回同一个错误
	assert.Equal(t, err, a.Wait())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := baseConfig("oops", 1)
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = baseConfig("10", 1)
	cfg.Ops = []config.OpConfig{{Name: "x", Ratio: 1, Type: "carrier-pigeon"}}
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = baseConfig("10", 1)
	cfg.Output = "nowhere"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = baseConfig("10", 1)
	cfg.CycleRate = "-5"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestConfiguredOutputs(t *testing.T) {
	a, err := New(baseConfig("10", 1))
	require.NoError(t, err)
	require.NotNil(t, a.Summary())

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, int64(10), a.Summary().Total())

	format := a.Registry().Format()
	assert.Contains(t, format, "threads")
	assert.Contains(t, format, "cycles_remaining")
}
