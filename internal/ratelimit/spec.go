package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultBurstRatio 未指定时的突发倍数
const DefaultBurstRatio = 1.1

// ErrInvalidSpec 表示速率描述不合法
var ErrInvalidSpec = errors.New("invalid rate spec")

// Verb 控制速率变更时对调度状态的处理方式
type Verb string

const (
	// VerbStart 首次启用时的默认动作
	VerbStart Verb = "start"
	// VerbConfigure 只替换速率，保留调度欠账
	VerbConfigure Verb = "configure"
	// VerbRestart 替换速率并把调度起点重置为当前时间
	VerbRestart Verb = "restart"
)

// Spec 描述目标速率
type Spec struct {
	OpsPerSec  float64
	BurstRatio float64
	Verb       Verb
}

// NewSpec 使用默认突发倍数创建 Spec
func NewSpec(opsPerSec float64) Spec {
	return Spec{OpsPerSec: opsPerSec, BurstRatio: DefaultBurstRatio, Verb: VerbStart}
}

// ParseSpec 解析 "ops[,burst[,verb]]" 形式，例如 "100,1.2,restart"
func ParseSpec(s string) (Spec, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, s)
	}

	ops, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: ops/s %q: %v", ErrInvalidSpec, parts[0], err)
	}
	spec := NewSpec(ops)

	if len(parts) > 1 {
		b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: burst ratio %q: %v", ErrInvalidSpec, parts[1], err)
		}
		spec.BurstRatio = b
	}
	if len(parts) > 2 {
		switch v := Verb(strings.ToLower(strings.TrimSpace(parts[2]))); v {
		case VerbStart, VerbConfigure, VerbRestart:
			spec.Verb = v
		default:
			return Spec{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidSpec, parts[2])
		}
	}
	return spec, spec.Validate()
}

// Validate 检查 OpsPerSec > 0 且 BurstRatio >= 1
func (s Spec) Validate() error {
	if !(s.OpsPerSec > 0) {
		return fmt.Errorf("%w: ops/s must be positive, got %v", ErrInvalidSpec, s.OpsPerSec)
	}
	if s.BurstRatio < 1 {
		return fmt.Errorf("%w: burst ratio must be >= 1, got %v", ErrInvalidSpec, s.BurstRatio)
	}
	if float64(time.Second)/s.OpsPerSec >= math.MaxInt64 {
		return fmt.Errorf("%w: ops/s %v is too small, interval overflows", ErrInvalidSpec, s.OpsPerSec)
	}
	return nil
}

// Interval 返回稳态下相邻两次操作的间隔，最大为 math.MaxInt64 纳秒
func (s Spec) Interval() time.Duration {
	ns := float64(time.Second) / s.OpsPerSec
	if ns >= math.MaxInt64 || math.IsNaN(ns) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// BurstInterval 返回追赶期间相邻两次操作的最小间隔
func (s Spec) BurstInterval() time.Duration {
	ratio := s.BurstRatio
	if ratio < 1 {
		ratio = 1
	}
	return time.Duration(float64(s.Interval()) / ratio)
}

// BurstRate 返回追赶期间允许的最大速率
func (s Spec) BurstRate() float64 {
	return s.OpsPerSec * s.BurstRatio
}

func (s Spec) String() string {
	verb := s.Verb
	if verb == "" {
		verb = VerbStart
	}
	return fmt.Sprintf("%s,%s,%s",
		strconv.FormatFloat(s.OpsPerSec, 'f', -1, 64),
		strconv.FormatFloat(s.BurstRatio, 'f', -1, 64),
		verb)
}
