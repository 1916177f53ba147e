// Package cycles 负责把 cycle 区间切分成互不重叠的 segment，供所有 motor 并发领取。
package cycles

import (
	"sync/atomic"
)

// Source 是所有 motor 共享的 cycle 分发器。
// 领取通过 CAS 推进游标，保证每个 cycle 只被发出一次。
type Source struct {
	min    int64
	max    int64
	cursor atomic.Int64
	// 已发出的 segment 数，只用于观测
	claimed atomic.Int64
}

// NewSource 创建覆盖 [r.Min, r.Max) 的 Source
func NewSource(r Range) *Source {
	s := &Source{min: r.Min, max: r.Max}
	s.cursor.Store(r.Min)
	return s
}

// Claim 领取最多 stride 个连续 cycle。
// 区间耗尽后返回 (nil, false)，重复调用结果不变且不修改任何状态。
func (s *Source) Claim(stride int) (*Segment, bool) {
	if stride <= 0 {
		return nil, false
	}
	for {
		start := s.cursor.Load()
		if start >= s.max {
			return nil, false
		}
		end := start + int64(stride)
		if end > s.max || end < start {
			end = s.max
		}
		if s.cursor.CompareAndSwap(start, end) {
			s.claimed.Add(1)
			return newSegment(start, end), true
		}
	}
}

// Exhausted 报告区间是否已全部发出
func (s *Source) Exhausted() bool {
	return s.cursor.Load() >= s.max
}

// Remaining 返回尚未发出的 cycle 数
func (s *Source) Remaining() int64 {
	if rem := s.max - s.cursor.Load(); rem > 0 {
		return rem
	}
	return 0
}

// Cursor 返回下一个待发出的 cycle
func (s *Source) Cursor() int64 {
	if c := s.cursor.Load(); c < s.max {
		return c
	}
	return s.max
}

// Claimed 返回已发出的 segment 数
func (s *Source) Claimed() int64 {
	return s.claimed.Load()
}

// Range 返回配置的区间
func (s *Source) Range() Range {
	return Range{Min: s.min, Max: s.max}
}
