package output

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cycle-engine/internal/cycles"
)

type failingOutput struct {
	startErr error
	stopped  bool
}

func (f *failingOutput) Description() string             { return "failing" }
func (f *failingOutput) Start() error                    { return f.startErr }
func (f *failingOutput) OnSegment([]cycles.Result) error { return errors.New("sink down") }
func (f *failingOutput) Stop() error                     { f.stopped = true; return nil }

func TestRegistryHasBuiltins(t *testing.T) {
	assert.Contains(t, List(), "summary")
	assert.Contains(t, List(), "cyclelog")

	_, err := Create(Params{OutputType: "kafka"})
	var unknown *UnknownOutputError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "summary")
}

func TestParseSpecs(t *testing.T) {
	params := ParseSpecs("summary, cyclelog=/tmp/c.csv,", Params{Activity: "diag"})
	require.Len(t, params, 2)
	assert.Equal(t, "summary", params[0].OutputType)
	assert.Equal(t, "cyclelog", params[1].OutputType)
	assert.Equal(t, "/tmp/c.csv", params[1].ConfigArgument)
	assert.Equal(t, "diag", params[1].Activity)
}

func TestSummaryCounts(t *testing.T) {
	s := NewSummary()
	require.NoError(t, s.OnSegment([]cycles.Result{{Cycle: 0, Code: 0}, {Cycle: 1, Code: 1}, {Cycle: 2, Code: 0}}))
	require.NoError(t, s.OnSegment([]cycles.Result{{Cycle: 3, Code: 126}}))

	assert.Equal(t, map[int]int64{0: 2, 1: 1, 126: 1}, s.Counts())
	assert.Equal(t, []int{0, 1, 126}, s.Codes())
	assert.Equal(t, int64(4), s.Total())
	assert.Equal(t, int64(2), s.Segments())
}

func TestCycleLogWritesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles.csv")
	out, err := Create(Params{OutputType: "cyclelog", ConfigArgument: path})
	require.NoError(t, err)

	require.NoError(t, out.Start())
	require.NoError(t, out.OnSegment([]cycles.Result{{Cycle: 0, Code: 0}, {Cycle: 1, Code: 127}}))
	require.NoError(t, out.Stop())
	require.NoError(t, out.Stop())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cycle,code\n0,0\n1,127\n", string(data))
	assert.Equal(t, int64(2), out.(*CycleLog).Lines())
}

func TestCycleLogRequiresPath(t *testing.T) {
	_, err := Create(Params{OutputType: "cyclelog"})
	assert.Error(t, err)

	c := NewCycleLog("x", nil)
	assert.Error(t, c.OnSegment(nil))
}

func TestFanout(t *testing.T) {
	s := NewSummary()
	f := NewFanoutOf(s, &failingOutput{})
	require.NoError(t, f.Start())

	err := f.OnSegment([]cycles.Result{{Cycle: 0}})
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, int64(1), s.Total(), "healthy outputs still receive results")
	assert.True(t, strings.HasPrefix(f.Description(), "summary"))
	assert.Equal(t, 2, f.Len())
}

func TestFanoutStartRollsBack(t *testing.T) {
	first := &failingOutput{}
	f := NewFanoutOf(first, &failingOutput{startErr: errors.New("no disk")})
	assert.Error(t, f.Start())
	assert.True(t, first.stopped)
}
