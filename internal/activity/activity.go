// Package activity 是一次运行的组装根：根据配置创建 cycle 区间、限速器、操作序列、
// 错误处理和输出，启动一组 motor，并支持运行中调整参数和停止。
package activity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/cycle-engine/internal/config"
	"yqhp/cycle-engine/internal/cycles"
	"yqhp/cycle-engine/internal/errorhandler"
	"yqhp/cycle-engine/internal/metrics"
	"yqhp/cycle-engine/internal/motor"
	"yqhp/cycle-engine/internal/ops"
	"yqhp/cycle-engine/internal/output"
	"yqhp/cycle-engine/internal/planning"
	"yqhp/cycle-engine/internal/ratelimit"
	"yqhp/cycle-engine/internal/verify"
	"yqhp/cycle-engine/pkg/logger"
)

// Activity 管理一组共享同一 cycle 区间的 motor
type Activity struct {
	cfg   config.ActivityConfig
	runID string
	log   *zap.Logger
	reg   *metrics.Registry

	source     *cycles.Source
	output     *output.Fanout
	outputs    []output.Output
	dispensers []*ops.BaseDispenser
	sequencer  *planning.Sequencer[ops.Dispenser]
	handler    *errorhandler.Handler
	action     *motor.Action

	scope          ratelimit.Scope
	limiterOpts    []ratelimit.Option
	drainTimeout   time.Duration
	reportInterval time.Duration

	mu            sync.Mutex
	ctx           context.Context
	motors        map[int]*motor.Motor
	nextSlot      int
	threads       int
	stride        int
	cycleRate     *ratelimit.Provider
	strideRate    *ratelimit.Provider
	live          int
	closed        bool
	stopRequested bool
	startedAt     time.Time
	finishedAt    time.Time
	exitedCycles  int64

	group errgroup.Group
	done  chan struct{}

	errMu sync.Mutex
	errs  error

	started  atomic.Bool
	waitOnce sync.Once
	waitErr  error
}

// Option 配置 Activity
type Option func(*Activity)

// WithOutputs 直接指定输出，忽略配置中的 output
func WithOutputs(outs ...output.Output) Option {
	return func(a *Activity) { a.outputs = outs }
}

// WithRegistry 使用外部的指标注册表
func WithRegistry(reg *metrics.Registry) Option {
	return func(a *Activity) { a.reg = reg }
}

// WithLimiterOptions 传给所有 cyclerate/striderate 限速器，测试中用于注入时钟
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(a *Activity) { a.limiterOpts = opts }
}

// WithReportInterval 周期性输出进度日志
func WithReportInterval(d time.Duration) Option {
	return func(a *Activity) { a.reportInterval = d }
}

// WithLogger 替换日志实例
func WithLogger(l *zap.Logger) Option {
	return func(a *Activity) { a.log = l }
}

// New 根据配置组装 activity，不启动任何 motor
func New(cfg config.ActivityConfig, opts ...Option) (*Activity, error) {
	r, err := cycles.ParseRange(cfg.Cycles)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", cfg.Alias, err)
	}

	a := &Activity{
		cfg:          cfg,
		runID:        uuid.NewString(),
		source:       cycles.NewSource(r),
		motors:       make(map[int]*motor.Motor),
		threads:      max(cfg.Threads, 1),
		stride:       max(cfg.Stride, motor.DefaultStride),
		drainTimeout: cfg.DrainTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Named("activity")
	}
	a.log = a.log.With(zap.String("activity", cfg.Alias), zap.String("run_id", a.runID))
	if a.reg == nil {
		a.reg = metrics.NewRegistry(metrics.Labels{"activity": cfg.Alias})
	}
	if a.drainTimeout <= 0 {
		a.drainTimeout = motor.DefaultDrainTimeout
	}
	if cfg.TLRate {
		a.scope = ratelimit.ScopePerMotor
	}

	if err := a.buildOps(); err != nil {
		return nil, err
	}
	if err := a.buildOutput(); err != nil {
		return nil, err
	}
	if a.cycleRate, err = a.newProvider("cyclerate", cfg.CycleRate); err != nil {
		return nil, err
	}
	if a.strideRate, err = a.newProvider("striderate", cfg.StrideRate); err != nil {
		return nil, err
	}
	a.registerGauges()
	return a, nil
}

// buildOps 创建每个模板的 dispenser、操作序列、错误处理和执行动作
func (a *Activity) buildOps() error {
	if len(a.cfg.Ops) == 0 {
		return fmt.Errorf("activity %s: no op templates", a.cfg.Alias)
	}

	dispensers := make([]ops.Dispenser, 0, len(a.cfg.Ops))
	ratios := make([]int, 0, len(a.cfg.Ops))
	for _, oc := range a.cfg.Ops {
		factory, err := ops.Build(oc.Template())
		if err != nil {
			return fmt.Errorf("activity %s: %w", a.cfg.Alias, err)
		}
		verifier, err := verify.Compile(oc.Verify)
		if err != nil {
			return fmt.Errorf("activity %s: op %s: %w", a.cfg.Alias, oc.Name, err)
		}
		dopts := []ops.DispenserOption{ops.WithRegistry(a.reg)}
		if verifier != nil {
			dopts = append(dopts, ops.WithVerifier(verifier))
		}
		d := ops.NewBaseDispenser(oc.Name, factory, dopts...)
		a.dispensers = append(a.dispensers, d)
		dispensers = append(dispensers, d)
		ratios = append(ratios, oc.Ratio)
	}

	typ, err := planning.ParseSequencerType(a.cfg.Seq)
	if err != nil {
		return err
	}
	if a.sequencer, err = planning.NewSequencer(dispensers, ratios, typ); err != nil {
		return fmt.Errorf("activity %s: %w", a.cfg.Alias, err)
	}

	classifier, err := errorhandler.ParseSpec(a.cfg.Errors)
	if err != nil {
		return fmt.Errorf("activity %s: %w", a.cfg.Alias, err)
	}
	a.handler = errorhandler.NewHandler(classifier, a.reg).
		WithLogger(logger.Named("errors").With(zap.String("activity", a.cfg.Alias)))

	actionOpts := []motor.ActionOption{motor.WithActionRegistry(a.reg)}
	if a.cfg.MaxTries > 0 {
		actionOpts = append(actionOpts, motor.WithMaxTries(a.cfg.MaxTries))
	}
	a.action = motor.NewAction(a.sequencer, a.handler, actionOpts...)
	return nil
}

func (a *Activity) buildOutput() error {
	if a.outputs != nil {
		a.output = output.NewFanoutOf(a.outputs...)
		return nil
	}
	params := output.ParseSpecs(a.cfg.Output, output.Params{Activity: a.cfg.Alias, RunID: a.runID})
	f, err := output.NewFanout(params)
	if err != nil {
		return fmt.Errorf("activity %s: %w", a.cfg.Alias, err)
	}
	a.output = f
	a.outputs = f.Outputs()
	return nil
}

// newProvider 空配置返回 nil，表示不限速
func (a *Activity) newProvider(name, raw string) (*ratelimit.Provider, error) {
	if raw == "" {
		return nil, nil
	}
	spec, err := ratelimit.ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %s: %w", a.cfg.Alias, name, err)
	}
	return ratelimit.NewProvider(a.cfg.Alias+"_"+name, spec, a.scope, a.limiterOpts...), nil
}

// Start 启动输出和初始数量的 motor，ctx 取消时所有 motor 停止
func (a *Activity) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := a.output.Start(); err != nil {
		return fmt.Errorf("activity %s: %w", a.cfg.Alias, err)
	}

	a.mu.Lock()
	a.ctx = ctx
	a.startedAt = time.Now()
	for i := 0; i < a.threads; i++ {
		a.spawnLocked()
	}
	threads, stride := a.threads, a.stride
	a.mu.Unlock()

	a.log.Info("activity started",
		zap.String("cycles", a.source.Range().String()),
		zap.Int("threads", threads),
		zap.Int("stride", stride),
		zap.Bool("async", a.cfg.Async),
		zap.String("output", a.output.Description()))

	if a.reportInterval > 0 {
		go a.report(ctx)
	}
	return nil
}

// Run 启动并等待结束
func (a *Activity) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.Wait()
}

// Wait 等待所有 motor 退出并停止输出，返回所有致命错误的合集
func (a *Activity) Wait() error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	a.waitOnce.Do(func() {
		groupErr := a.group.Wait()

		err := a.motorErrors()
		if err == nil {
			err = groupErr
		}
		if stopErr := a.output.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %w", motor.ErrOutput, stopErr))
		}
		a.waitErr = err

		status := a.Status()
		a.log.Info("activity exited",
			zap.String("state", string(status.State)),
			zap.Int64("completed", status.Completed),
			zap.Int64("remaining", status.Remaining),
			zap.Duration("elapsed", time.Duration(status.ElapsedMs)*time.Millisecond),
			zap.Error(err))
	})
	return a.waitErr
}

// Done 在所有 motor 退出后关闭
func (a *Activity) Done() <-chan struct{} { return a.done }

// Stop 请求所有 motor 在当前 cycle 之后停止，可以重复调用
func (a *Activity) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.stopRequested {
		a.log.Info("stop requested")
	}
	a.stopRequested = true
	for _, m := range a.motors {
		m.RequestStop()
	}
}

// StopSlot 停止单个槽位，线程数随之减一
func (a *Activity) StopSlot(slot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.motors[slot]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	if m.State() == motor.Running && !m.Retiring() && a.threads > 0 {
		a.threads--
	}
	m.RequestStop()
	return nil
}

func (a *Activity) spawnLocked() {
	slot := a.nextSlot
	a.nextSlot++

	m := motor.New(slot, a.source, a.action, a.motorOptionsLocked(slot)...)
	a.motors[slot] = m
	a.live++

	ctx := a.ctx
	a.group.Go(func() error {
		err := m.Run(ctx)
		a.exited(m, err)
		if err != nil {
			return fmt.Errorf("slot %d: %w", m.Slot(), err)
		}
		return nil
	})
}

func (a *Activity) motorOptionsLocked(slot int) []motor.Option {
	opts := []motor.Option{
		motor.WithActivity(a.cfg.Alias),
		motor.WithStride(a.stride),
		motor.WithOutput(a.output),
		motor.WithDrainTimeout(a.drainTimeout),
	}
	// 没有限速器时不传，避免 motor 拿到带类型的 nil
	if a.cycleRate != nil {
		opts = append(opts, motor.WithCycleLimiter(a.cycleRate.For(slot)))
	}
	if a.strideRate != nil {
		opts = append(opts, motor.WithStrideLimiter(a.strideRate.For(slot)))
	}
	if a.cfg.Async {
		opts = append(opts, motor.WithAsync(max(a.cfg.MaxPending, 1)))
	}
	return opts
}

// exited 在 motor 的 goroutine 中调用，最后一个 motor 退出时关闭 done
func (a *Activity) exited(m *motor.Motor, err error) {
	if err != nil {
		a.log.Error("motor failed", zap.Int("slot", m.Slot()), zap.Error(err))
		a.errMu.Lock()
		a.errs = multierr.Append(a.errs, fmt.Errorf("slot %d: %w", m.Slot(), err))
		a.errMu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.motors, m.Slot())
	a.exitedCycles += m.Cycles()
	if a.cycleRate != nil {
		a.cycleRate.Release(m.Slot())
	}
	if a.strideRate != nil {
		a.strideRate.Release(m.Slot())
	}
	a.live--
	if a.live == 0 {
		a.closed = true
		a.finishedAt = time.Now()
		close(a.done)
	}
}

func (a *Activity) motorErrors() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.errs
}

// sortedSlotsLocked 返回仍在运行的槽位，升序
func (a *Activity) sortedSlotsLocked() []int {
	slots := make([]int, 0, len(a.motors))
	for slot := range a.motors {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

func (a *Activity) report(ctx context.Context) {
	ticker := time.NewTicker(a.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			s := a.Status()
			a.log.Info("progress",
				zap.Int64("completed", s.Completed),
				zap.Int64("remaining", s.Remaining),
				zap.Int("threads", s.Threads),
				zap.Any("errors", s.Errors))
		}
	}
}

func (a *Activity) RunID() string { return a.runID }

func (a *Activity) Alias() string { return a.cfg.Alias }

func (a *Activity) Registry() *metrics.Registry { return a.reg }

func (a *Activity) Handler() *errorhandler.Handler { return a.handler }

func (a *Activity) Action() *motor.Action { return a.action }

func (a *Activity) Source() *cycles.Source { return a.source }

// Dispensers 按配置顺序返回每个模板的 dispenser
func (a *Activity) Dispensers() []*ops.BaseDispenser { return a.dispensers }

// Outputs 返回结果输出
func (a *Activity) Outputs() []output.Output { return a.outputs }

// Summary 返回输出中的 summary，没有配置时返回 nil
func (a *Activity) Summary() *output.Summary {
	for _, o := range a.outputs {
		if s, ok := o.(*output.Summary); ok {
			return s
		}
	}
	return nil
}
