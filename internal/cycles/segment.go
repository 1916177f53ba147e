package cycles

// Exhausted 是 NextCycle 在 segment 用完后返回的值。
// 任何负数 cycle 都按耗尽处理。
const Exhausted int64 = -1

// Segment 是一个 motor 独占的半开区间 [start, end)。
// 不做并发保护，只能由领取它的 motor 使用。
type Segment struct {
	start  int64
	end    int64
	cursor int64
}

func newSegment(start, end int64) *Segment {
	return &Segment{start: start, end: end, cursor: start}
}

// NewSegment 直接构造 segment，主要用于测试和适配器
func NewSegment(start, count int64) *Segment {
	if count < 0 {
		count = 0
	}
	return newSegment(start, start+count)
}

// NextCycle 返回下一个 cycle，耗尽后返回 Exhausted
func (s *Segment) NextCycle() int64 {
	if s.cursor >= s.end {
		return Exhausted
	}
	c := s.cursor
	s.cursor++
	return c
}

// PeekNextCycle 返回下一个 cycle 但不推进游标
func (s *Segment) PeekNextCycle() int64 {
	if s.cursor >= s.end {
		return Exhausted
	}
	return s.cursor
}

// IsExhausted 报告 segment 是否已用完
func (s *Segment) IsExhausted() bool {
	return s.cursor >= s.end
}

func (s *Segment) Start() int64 { return s.start }
func (s *Segment) End() int64   { return s.end }

// Count 返回 segment 的总长度
func (s *Segment) Count() int {
	return int(s.end - s.start)
}

// IsExhaustedCycle 判断一个 cycle 值是否代表耗尽
func IsExhaustedCycle(cycle int64) bool {
	return cycle < 0
}
