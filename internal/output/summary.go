package output

import (
	"sort"
	"sync"

	"yqhp/cycle-engine/internal/cycles"
)

func init() {
	Register("summary", func(Params) (Output, error) {
		return NewSummary(), nil
	})
}

// Summary 按结果码统计 cycle 数
type Summary struct {
	mu       sync.Mutex
	codes    map[int]int64
	segments int64
	total    int64
}

func NewSummary() *Summary {
	return &Summary{codes: make(map[int]int64)}
}

func (s *Summary) Description() string { return "summary" }

func (s *Summary) Start() error { return nil }

func (s *Summary) OnSegment(results []cycles.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments++
	for _, r := range results {
		s.codes[r.Code]++
		s.total++
	}
	return nil
}

func (s *Summary) Stop() error { return nil }

// Counts 返回每个结果码的 cycle 数
func (s *Summary) Counts() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int64, len(s.codes))
	for k, v := range s.codes {
		out[k] = v
	}
	return out
}

// Codes 返回出现过的结果码，升序
func (s *Summary) Codes() []int {
	counts := s.Counts()
	codes := make([]int, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

// Total 返回累计 cycle 数
func (s *Summary) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Segments 返回累计 stride 数
func (s *Summary) Segments() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}
