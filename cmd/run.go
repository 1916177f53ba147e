package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/cycle-engine/internal/activity"
	"yqhp/cycle-engine/internal/config"
	"yqhp/cycle-engine/internal/control"
	"yqhp/cycle-engine/pkg/logger"
)

// runFlagPaths 把 run 的 flag 映射到配置路径，只有显式指定的 flag 会覆盖配置
var runFlagPaths = map[string]string{
	"alias":           "activity.alias",
	"cycles":          "activity.cycles",
	"threads":         "activity.threads",
	"stride":          "activity.stride",
	"cyclerate":       "activity.cyclerate",
	"striderate":      "activity.striderate",
	"tlrate":          "activity.tlrate",
	"maxtries":        "activity.maxtries",
	"async":           "activity.async",
	"maxpending":      "activity.maxpending",
	"drain-timeout":   "activity.drain_timeout",
	"seq":             "activity.seq",
	"errors":          "activity.errors",
	"output":          "activity.output",
	"control":         "control.enabled",
	"control-addr":    "control.address",
	"report-interval": "metrics.report_interval",
}

// run 命令的 flags
var runOps []string

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "执行一个 activity",
	Long: `按配置执行一个 activity，直到 cycle 耗尽或收到中止信号。

配置优先级：默认值 < --config 文件 < CYCLE_ENGINE_* 环境变量 < 命令行参数。`,
	Example: `  # 4 个线程执行 1 万个诊断 cycle
  cycle-engine run --cycles 10K --threads 4

  # 100 ops/s 限速请求 HTTP 服务
  cycle-engine run --cycles 1000 --cyclerate 100 --op 'http,url=http://localhost:8080/items/{cycle}'

  # 异步模式，开启控制接口
  cycle-engine run --config activity.yaml --async --maxpending 64 --control`,
	Args: cobra.NoArgs,
	RunE: runActivity,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("alias", "", "activity 别名")
	f.String("cycles", "", "cycle 区间，例如 1000 或 10..1M")
	f.IntP("threads", "t", 0, "并发 motor 数")
	f.Int("stride", 0, "每次领取的 cycle 数")
	f.String("cyclerate", "", "cycle 限速，格式 ops[,burst[,verb]]")
	f.String("striderate", "", "stride 限速，格式 ops[,burst[,verb]]")
	f.Bool("tlrate", false, "每个 motor 独立限速")
	f.Int("maxtries", 0, "每个操作的最大尝试次数")
	f.Bool("async", false, "异步执行模式")
	f.Int("maxpending", 0, "异步模式下每个 motor 的在途上限")
	f.Duration("drain-timeout", 0, "退出前等待在途操作的时长")
	f.String("seq", "", "操作序列类型 (bucket, interval, concat)")
	f.String("errors", "", "错误处理规则，例如 'Timeout:retry;.*:stop'")
	f.StringP("output", "o", "", "结果输出，例如 summary,cyclelog=cycles.csv")
	f.Bool("control", false, "开启 REST 控制接口")
	f.String("control-addr", "", "控制接口监听地址")
	f.Duration("report-interval", 0, "进度日志间隔，0 表示关闭")
	f.StringArrayVar(&runOps, "op", nil, "操作模板 (可多次指定)，格式: type[,name=x][,ratio=n][,verify=expr][,k=v...]")
}

func runActivity(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.NewLoader().
		WithConfigPath(cfgFile).
		WithCmdArgs(flagOverrides(cmd)).
		Load()
	if err != nil {
		return err
	}
	if len(runOps) > 0 {
		templates, err := parseOpFlags(runOps)
		if err != nil {
			return err
		}
		cfg.Activity.Ops = templates
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger.Init(&cfg.Logging)
	defer logger.Sync()
	if debug {
		logger.EnableDebug()
	} else if quiet {
		logger.SetQuiet()
	}

	a, err := activity.New(cfg.Activity, activity.WithReportInterval(cfg.Metrics.ReportInterval))
	if err != nil {
		return fmt.Errorf("创建 activity 失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Control.Enabled {
		srv := control.NewServer(a, &control.Config{
			Address:      cfg.Control.Address,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			AccessLog:    debug,
		})
		go func() {
			if err := srv.StartWithContext(ctx); err != nil {
				logger.Error("control server stopped", zap.Error(err))
			}
		}()
	}

	// 收到信号后请求停止，motor 完成当前 cycle 后退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(out, "\n正在停止 activity...")
			a.Stop()
		case <-a.Done():
		}
	}()

	if !quiet {
		printRunInfo(out, cfg)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("启动 activity 失败: %w", err)
	}
	runErr := a.Wait()

	if !quiet {
		printSummary(out, a)
	}
	if runErr != nil {
		return fmt.Errorf("执行失败: %w", runErr)
	}
	return nil
}

func flagOverrides(cmd *cobra.Command) map[string]string {
	args := make(map[string]string)
	for name, path := range runFlagPaths {
		if cmd.Flags().Changed(name) {
			args[path] = cmd.Flags().Lookup(name).Value.String()
		}
	}
	return args
}

// parseOpFlags 解析 --op，未指定 name 时使用 type 加序号
func parseOpFlags(specs []string) ([]config.OpConfig, error) {
	templates := make([]config.OpConfig, 0, len(specs))
	for i, spec := range specs {
		parts := strings.Split(spec, ",")
		op := config.OpConfig{
			Type:   strings.TrimSpace(parts[0]),
			Ratio:  1,
			Params: make(map[string]string),
		}
		if op.Type == "" {
			return nil, fmt.Errorf("无效的操作模板 %q: 缺少类型", spec)
		}
		for _, kv := range parts[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("无效的操作参数 %q: 期望 key=value", kv)
			}
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			switch k {
			case "name":
				op.Name = v
			case "ratio":
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("无效的比例 %q: %w", v, err)
				}
				op.Ratio = n
			case "verify":
				op.Verify = v
			default:
				op.Params[k] = v
			}
		}
		if op.Name == "" {
			op.Name = fmt.Sprintf("%s%d", op.Type, i)
		}
		templates = append(templates, op)
	}
	return templates, nil
}

func printRunInfo(w io.Writer, cfg *config.Config) {
	a := cfg.Activity
	fmt.Fprintf(w, Banner, Version)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  activity: %s\n", a.Alias)
	fmt.Fprintf(w, "  cycles: %s\n", a.Cycles)
	fmt.Fprintf(w, "  threads: %d  stride: %d  async: %t\n", a.Threads, a.Stride, a.Async)
	if a.CycleRate != "" {
		fmt.Fprintf(w, "  cyclerate: %s\n", a.CycleRate)
	}
	if a.StrideRate != "" {
		fmt.Fprintf(w, "  striderate: %s\n", a.StrideRate)
	}
	fmt.Fprintf(w, "  ops: ")
	for i, op := range a.Ops {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}
		fmt.Fprintf(w, "%s(%s)x%d", op.Name, op.Type, op.Ratio)
	}
	fmt.Fprintln(w)
	if cfg.Control.Enabled {
		fmt.Fprintf(w, "  control: %s\n", cfg.Control.Address)
	}
	fmt.Fprintln(w)
}

func printSummary(w io.Writer, a *activity.Activity) {
	st := a.Status()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  run: %s\n", st.RunID)
	fmt.Fprintf(w, "  state: %s  elapsed: %s\n", st.State, time.Duration(st.ElapsedMs)*time.Millisecond)
	fmt.Fprintf(w, "  cycles completed: %d  remaining: %d\n", st.Completed, st.Remaining)

	if s := a.Summary(); s != nil && s.Total() > 0 {
		fmt.Fprintln(w, "  result codes:")
		counts := s.Counts()
		for _, code := range s.Codes() {
			fmt.Fprintf(w, "    %-5d %d\n", code, counts[code])
		}
	}

	if names := a.Handler().Names(); len(names) > 0 {
		counts := a.Handler().Counts()
		fmt.Fprintln(w, "  errors:")
		for _, name := range names {
			fmt.Fprintf(w, "    %-24s %d\n", name, counts[name])
		}
	}

	fmt.Fprintln(w, "  ops:")
	for _, d := range a.Dispensers() {
		started, succeeded, failed := d.Stats()
		snap := d.SuccessTimer().Snapshot()
		fmt.Fprintf(w, "    %-16s attempts=%d ok=%d failed=%d p50=%s p99=%s\n",
			d.Name(), started, succeeded, failed,
			time.Duration(snap.Quantiles[0.5]), time.Duration(snap.Quantiles[0.99]))
	}
	if tries := a.Action().Tries().Snapshot(); tries.Count > 0 {
		fmt.Fprintf(w, "  tries: max=%d mean=%.2f\n", tries.Max, tries.Mean)
	}
}
