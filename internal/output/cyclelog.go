package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"yqhp/cycle-engine/internal/cycles"
	"yqhp/cycle-engine/pkg/logger"
)

func init() {
	Register("cyclelog", func(p Params) (Output, error) {
		if p.ConfigArgument == "" {
			return nil, errors.New("cyclelog 需要文件路径，例如 cyclelog=cycles.csv")
		}
		return NewCycleLog(p.ConfigArgument, nil), nil
	})
}

// CycleLog 以 "cycle,code" CSV 行记录每个 cycle 的结果，文件按大小滚动
type CycleLog struct {
	path string

	mu     sync.Mutex
	w      io.WriteCloser
	buf    *bufio.Writer
	lines  int64
	opened bool
}

// NewCycleLog 创建 CycleLog，w 为 nil 时在 Start 中打开 path
func NewCycleLog(path string, w io.WriteCloser) *CycleLog {
	return &CycleLog{path: path, w: w}
}

func (c *CycleLog) Description() string {
	return fmt.Sprintf("cyclelog (%s)", c.path)
}

func (c *CycleLog) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		c.w = logger.RotatingWriter(c.path, 512, 5, 0)
	}
	c.buf = bufio.NewWriterSize(c.w, 64*1024)
	c.opened = true
	if _, err := c.buf.WriteString("cycle,code\n"); err != nil {
		return err
	}
	return nil
}

func (c *CycleLog) OnSegment(results []cycles.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return errors.New("cyclelog 未启动")
	}
	var scratch [32]byte
	for _, r := range results {
		line := strconv.AppendInt(scratch[:0], r.Cycle, 10)
		line = append(line, ',')
		line = strconv.AppendInt(line, int64(r.Code), 10)
		line = append(line, '\n')
		if _, err := c.buf.Write(line); err != nil {
			return fmt.Errorf("写入 cyclelog 失败: %w", err)
		}
		c.lines++
	}
	return nil
}

func (c *CycleLog) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.opened = false
	err := c.buf.Flush()
	if cerr := c.w.Close(); err == nil {
		err = cerr
	}
	return err
}

// Lines 返回已写入的结果行数
func (c *CycleLog) Lines() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}
