package planning

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSeqIndexesByRatios(t *testing.T) {
	tests := []struct {
		name   string
		ratios []int
		typ    SequencerType
		want   []int
	}{
		{name: "bucket skips zero ratio", ratios: []int{0, 2, 3}, typ: SequencerBucket, want: []int{1, 2, 1, 2, 2}},
		{name: "bucket default type", ratios: []int{0, 2, 3}, typ: "", want: []int{1, 2, 1, 2, 2}},
		{name: "bucket uneven", ratios: []int{3, 1, 1}, typ: SequencerBucket, want: []int{0, 1, 2, 0, 0}},
		{name: "interval", ratios: []int{0, 2, 3}, typ: SequencerInterval, want: []int{1, 2, 2, 1, 2}},
		{name: "interval single", ratios: []int{4}, typ: SequencerInterval, want: []int{0, 0, 0, 0}},
		{name: "concat", ratios: []int{0, 2, 3}, typ: SequencerConcat, want: []int{1, 1, 2, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SeqIndexesByRatios(tt.ratios, tt.typ)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("sequence mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSeqIndexesByRatiosErrors(t *testing.T) {
	_, err := SeqIndexesByRatios([]int{0, 0}, SequencerBucket)
	assert.ErrorIs(t, err, ErrNoActiveTemplates)

	_, err = SeqIndexesByRatios([]int{1, -1}, SequencerBucket)
	assert.ErrorIs(t, err, ErrInvalidRatios)

	_, err = SeqIndexesByRatios([]int{1}, "random")
	assert.Error(t, err)

	_, err = NewSequencer([]string{"a"}, []int{1, 2}, SequencerBucket)
	assert.ErrorIs(t, err, ErrInvalidRatios)
}

func TestSequencerSelect(t *testing.T) {
	seq, err := NewSequencer([]string{"a", "b", "c"}, []int{0, 2, 3}, SequencerBucket)
	require.NoError(t, err)
	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, SequencerBucket, seq.Type())

	var got []string
	for c := int64(0); c < 10; c++ {
		got = append(got, seq.Select(c))
	}
	assert.Equal(t, []string{"b", "c", "b", "c", "c", "b", "c", "b", "c", "c"}, got)
	assert.Equal(t, 2, seq.TemplateIndex(4))
	assert.Equal(t, seq.Select(3), seq.Select(-2))
}

func TestParseSequencerType(t *testing.T) {
	typ, err := ParseSequencerType("")
	require.NoError(t, err)
	assert.Equal(t, SequencerBucket, typ)

	typ, err = ParseSequencerType("Interval")
	require.NoError(t, err)
	assert.Equal(t, SequencerInterval, typ)

	_, err = ParseSequencerType("shuffle")
	assert.Error(t, err)
}

// 每个完整周期内各模板出现次数正好等于比例，长期频率收敛到 r_i / sum(r)
func TestRatioConvergenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ratios := rapid.SliceOfN(rapid.IntRange(0, 20), 1, 8).Draw(t, "ratios")
		total := 0
		for _, r := range ratios {
			total += r
		}
		if total == 0 {
			t.Skip("all ratios zero")
		}
		typ := rapid.SampledFrom([]SequencerType{SequencerBucket, SequencerInterval, SequencerConcat}).Draw(t, "type")
		templates := make([]int, len(ratios))
		for i := range templates {
			templates[i] = i
		}
		seq, err := NewSequencer(templates, ratios, typ)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		periods := rapid.IntRange(1, 20).Draw(t, "periods")
		counts := make([]int, len(ratios))
		for c := int64(0); c < int64(total*periods); c++ {
			counts[seq.Select(c)]++
		}
		for i, r := range ratios {
			if counts[i] != r*periods {
				t.Fatalf("template %d drawn %d times, want %d", i, counts[i], r*periods)
			}
		}
	})
}

// bucket 序列是交错的：任意前缀里，两个模板的出现次数差不超过 1（未取空前）
func TestBucketInterleavesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.IntRange(1, 30).Draw(t, "a")
		b := rapid.IntRange(1, 30).Draw(t, "b")
		seq, err := SeqIndexesByRatios([]int{a, b}, SequencerBucket)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen := [2]int{}
		for _, idx := range seq {
			seen[idx]++
			if seen[0] < a && seen[1] < b {
				d := seen[0] - seen[1]
				if d > 1 || d < -1 {
					t.Fatalf("prefix not interleaved: %v", seen)
				}
			}
		}
	})
}
