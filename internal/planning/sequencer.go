// Package planning 按比例把 cycle 映射到操作模板。
package planning

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoActiveTemplates 所有比例都为 0
	ErrNoActiveTemplates = errors.New("no templates with a positive ratio")
	// ErrInvalidRatios 比例为负或与模板数量不一致
	ErrInvalidRatios = errors.New("invalid ratios")
)

// SequencerType 决定比例如何展开成序列
type SequencerType string

const (
	// SequencerBucket 轮流从每个模板的桶里取一个，直到取空
	SequencerBucket SequencerType = "bucket"
	// SequencerInterval 按 k/r 的相对位置均匀铺开
	SequencerInterval SequencerType = "interval"
	// SequencerConcat 按模板顺序整块拼接
	SequencerConcat SequencerType = "concat"
)

// ParseSequencerType 解析序列类型，空字符串返回 bucket
func ParseSequencerType(s string) (SequencerType, error) {
	switch t := SequencerType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return SequencerBucket, nil
	case SequencerBucket, SequencerInterval, SequencerConcat:
		return t, nil
	default:
		return "", fmt.Errorf("unknown sequencer type %q", s)
	}
}

// SeqIndexesByRatios 返回长度为 sum(ratios) 的模板下标序列，比例为 0 的模板不会出现
func SeqIndexesByRatios(ratios []int, typ SequencerType) ([]int, error) {
	total := 0
	for i, r := range ratios {
		if r < 0 {
			return nil, fmt.Errorf("%w: ratio[%d] = %d", ErrInvalidRatios, i, r)
		}
		total += r
	}
	if total == 0 {
		return nil, ErrNoActiveTemplates
	}

	switch typ {
	case SequencerBucket, "":
		return bucketSequence(ratios, total), nil
	case SequencerInterval:
		return intervalSequence(ratios, total), nil
	case SequencerConcat:
		return concatSequence(ratios, total), nil
	default:
		return nil, fmt.Errorf("unknown sequencer type %q", typ)
	}
}

func bucketSequence(ratios []int, total int) []int {
	remaining := append([]int(nil), ratios...)
	seq := make([]int, 0, total)
	for len(seq) < total {
		for i := range remaining {
			if remaining[i] > 0 {
				seq = append(seq, i)
				remaining[i]--
			}
		}
	}
	return seq
}

func intervalSequence(ratios []int, total int) []int {
	type slot struct {
		pos   float64
		index int
	}
	slots := make([]slot, 0, total)
	for i, r := range ratios {
		for k := 0; k < r; k++ {
			slots = append(slots, slot{pos: float64(k) / float64(r), index: i})
		}
	}
	sort.SliceStable(slots, func(a, b int) bool {
		return slots[a].pos < slots[b].pos
	})
	seq := make([]int, total)
	for i, s := range slots {
		seq[i] = s.index
	}
	return seq
}

func concatSequence(ratios []int, total int) []int {
	seq := make([]int, 0, total)
	for i, r := range ratios {
		for k := 0; k < r; k++ {
			seq = append(seq, i)
		}
	}
	return seq
}

// Sequencer 把 cycle 映射到模板，查询无锁、无分配
type Sequencer[T any] struct {
	templates []T
	seq       []int
	typ       SequencerType
}

// NewSequencer 按比例创建 Sequencer
func NewSequencer[T any](templates []T, ratios []int, typ SequencerType) (*Sequencer[T], error) {
	if len(templates) != len(ratios) {
		return nil, fmt.Errorf("%w: %d templates, %d ratios", ErrInvalidRatios, len(templates), len(ratios))
	}
	seq, err := SeqIndexesByRatios(ratios, typ)
	if err != nil {
		return nil, err
	}
	if typ == "" {
		typ = SequencerBucket
	}
	return &Sequencer[T]{templates: templates, seq: seq, typ: typ}, nil
}

// Select 返回 cycle 对应的模板
func (s *Sequencer[T]) Select(cycle int64) T {
	return s.templates[s.seq[s.IndexOf(cycle)]]
}

// TemplateIndex 返回 cycle 对应的模板下标
func (s *Sequencer[T]) TemplateIndex(cycle int64) int {
	return s.seq[s.IndexOf(cycle)]
}

// IndexOf 返回 cycle 在序列中的位置
func (s *Sequencer[T]) IndexOf(cycle int64) int {
	n := int64(len(s.seq))
	i := cycle % n
	if i < 0 {
		i += n
	}
	return int(i)
}

// Sequence 返回展开后的下标序列副本
func (s *Sequencer[T]) Sequence() []int {
	return append([]int(nil), s.seq...)
}

func (s *Sequencer[T]) Len() int {
	return len(s.seq)
}

func (s *Sequencer[T]) Type() SequencerType {
	return s.typ
}

// Templates 返回全部模板，包括比例为 0 的
func (s *Sequencer[T]) Templates() []T {
	return s.templates
}
