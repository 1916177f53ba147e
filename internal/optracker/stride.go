package optracker

import (
	"sort"
	"sync"

	"yqhp/cycle-engine/internal/cycles"
)

// StrideTracker 收集一个 segment 内异步操作的结果。
// motor 派发完该 segment 后调用 Seal，所有操作完成后触发一次 onDone。
type StrideTracker struct {
	start  int64
	onDone func(results []cycles.Result)

	mu       sync.Mutex
	results  []cycles.Result
	expected int
	sealed   bool
	flushed  bool
}

// NewStrideTracker 创建 StrideTracker，onDone 可以为 nil
func NewStrideTracker(start int64, size int, onDone func([]cycles.Result)) *StrideTracker {
	return &StrideTracker{
		start:   start,
		onDone:  onDone,
		results: make([]cycles.Result, 0, size),
	}
}

func (s *StrideTracker) record(cycle int64, code int) {
	s.mu.Lock()
	s.results = append(s.results, cycles.Result{Cycle: cycle, Code: code})
	ready := s.readyLocked()
	s.mu.Unlock()
	if ready {
		s.flush()
	}
}

// Seal 声明该 segment 一共派发了 enqueued 个操作
func (s *StrideTracker) Seal(enqueued int) {
	s.mu.Lock()
	s.expected = enqueued
	s.sealed = true
	ready := s.readyLocked()
	s.mu.Unlock()
	if ready {
		s.flush()
	}
}

func (s *StrideTracker) readyLocked() bool {
	if !s.sealed || s.flushed || len(s.results) < s.expected {
		return false
	}
	s.flushed = true
	return true
}

// flush 按 cycle 排序后回调，保证输出与同步模式一致
func (s *StrideTracker) flush() {
	sort.Slice(s.results, func(i, j int) bool { return s.results[i].Cycle < s.results[j].Cycle })
	if s.onDone != nil {
		s.onDone(s.results)
	}
}

// Done 报告结果是否已经交付
func (s *StrideTracker) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *StrideTracker) Start() int64 { return s.start }
