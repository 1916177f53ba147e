package cycles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange 表示 cycles 配置无法解析
var ErrInvalidRange = errors.New("invalid cycle range")

// Range 表示半开区间 [Min, Max)
type Range struct {
	Min int64
	Max int64
}

// Count 返回区间内的 cycle 数
func (r Range) Count() int64 {
	if r.Max <= r.Min {
		return 0
	}
	return r.Max - r.Min
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.Min, r.Max)
}

// ParseRange 解析 "N"、"min..max" 或 "min-max"，数字支持 K/M/B 后缀。
// 单个数字 N 表示 [0, N)。
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("%w: empty", ErrInvalidRange)
	}

	var lo, hi string
	switch {
	case strings.Contains(s, ".."):
		lo, hi, _ = strings.Cut(s, "..")
	case strings.LastIndex(s, "-") > 0:
		i := strings.LastIndex(s, "-")
		lo, hi = s[:i], s[i+1:]
	default:
		hi = s
	}

	r := Range{}
	var err error
	if lo != "" {
		if r.Min, err = parseCount(lo); err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
		}
	}
	if r.Max, err = parseCount(hi); err != nil {
		return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
	}
	if r.Min < 0 || r.Max < r.Min {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return r, nil
}

func parseCount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			mult = 1_000
		case 'M', 'm':
			mult = 1_000_000
		case 'B', 'b', 'G', 'g':
			mult = 1_000_000_000
		}
		if mult > 1 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(s, "_", ""), 10, 64)
	if err != nil {
		return 0, err
	}
	return v * mult, nil
}
