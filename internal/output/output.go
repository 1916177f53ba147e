// Package output 定义 stride 结果的输出接口以及输出插件注册表
package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"yqhp/cycle-engine/internal/cycles"
)

// Output 接收每个 stride 的结果。
// OnSegment 会被多个 motor 并发调用；results 在返回后会被复用，需要保留时自行复制。
type Output interface {
	// Description 返回输出插件的描述
	Description() string

	Start() error

	// OnSegment 接收一个 stride 按 cycle 排序的结果
	OnSegment(results []cycles.Result) error

	Stop() error
}

// Params 是创建 Output 时的参数
type Params struct {
	// OutputType 输出类型
	OutputType string

	// ConfigArgument 配置参数，例如文件路径
	ConfigArgument string

	// Activity activity 别名
	Activity string

	// RunID 本次运行的 ID
	RunID string
}

// Factory 是创建 Output 的工厂函数类型
type Factory func(params Params) (Output, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册输出工厂
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get 获取输出工厂
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// List 返回所有已注册的输出类型
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create 创建输出实例
func Create(params Params) (Output, error) {
	factory, ok := Get(params.OutputType)
	if !ok {
		return nil, &UnknownOutputError{Type: params.OutputType}
	}
	return factory(params)
}

// UnknownOutputError 未知输出类型错误
type UnknownOutputError struct {
	Type string
}

func (e *UnknownOutputError) Error() string {
	return fmt.Sprintf("未知的输出类型: %s (可用: %s)", e.Type, strings.Join(List(), ", "))
}

// ParseSpecs 解析 "type[=arg],type[=arg]" 形式的输出配置
func ParseSpecs(spec string, base Params) []Params {
	var out []Params
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := base
		typ, arg, _ := strings.Cut(part, "=")
		p.OutputType = strings.TrimSpace(typ)
		p.ConfigArgument = strings.TrimSpace(arg)
		out = append(out, p)
	}
	return out
}

// Fanout 把结果分发给多个输出
type Fanout struct {
	outputs []Output
}

// NewFanout 按配置创建全部输出
func NewFanout(params []Params) (*Fanout, error) {
	f := &Fanout{}
	for _, p := range params {
		o, err := Create(p)
		if err != nil {
			return nil, err
		}
		f.outputs = append(f.outputs, o)
	}
	return f, nil
}

// NewFanoutOf 直接组合已有输出
func NewFanoutOf(outputs ...Output) *Fanout {
	return &Fanout{outputs: outputs}
}

func (f *Fanout) Description() string {
	descs := make([]string, 0, len(f.outputs))
	for _, o := range f.outputs {
		descs = append(descs, o.Description())
	}
	return strings.Join(descs, ", ")
}

// Start 启动全部输出，任意一个失败时停止已启动的
func (f *Fanout) Start() error {
	for i, o := range f.outputs {
		if err := o.Start(); err != nil {
			for j := 0; j < i; j++ {
				_ = f.outputs[j].Stop()
			}
			return fmt.Errorf("启动输出 %s 失败: %w", o.Description(), err)
		}
	}
	return nil
}

func (f *Fanout) OnSegment(results []cycles.Result) error {
	var err error
	for _, o := range f.outputs {
		err = multierr.Append(err, o.OnSegment(results))
	}
	return err
}

func (f *Fanout) Stop() error {
	var err error
	for _, o := range f.outputs {
		err = multierr.Append(err, o.Stop())
	}
	return err
}

// Outputs 返回组合中的输出
func (f *Fanout) Outputs() []Output {
	return f.outputs
}

func (f *Fanout) Len() int {
	return len(f.outputs)
}
