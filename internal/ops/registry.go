package ops

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Template 是一个操作模板的静态描述
type Template struct {
	Name   string
	Type   string
	Ratio  int
	Params map[string]string
}

// Param 读取字符串参数，缺失时返回默认值
func (t Template) Param(key, def string) string {
	if v, ok := t.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// IntParam 读取整数参数
func (t Template) IntParam(key string, def int64) (int64, error) {
	v, ok := t.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("op %s: param %s: %w", t.Name, key, err)
	}
	return n, nil
}

// DurationParam 读取时间参数，纯数字按毫秒处理
func (t Template) DurationParam(key string, def time.Duration) (time.Duration, error) {
	v, ok := t.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("op %s: param %s: %w", t.Name, key, err)
	}
	return d, nil
}

// Builder 根据模板创建 Factory，每个协议适配器注册一个
type Builder func(t Template) (Factory, error)

// UnknownAdapterError 表示模板引用了未注册的适配器
type UnknownAdapterError struct {
	Type string
}

func (e *UnknownAdapterError) Error() string {
	return fmt.Sprintf("unknown op adapter type: %s", e.Type)
}

var (
	adaptersMu sync.RWMutex
	adapters   = make(map[string]Builder)
)

// Register 注册适配器，通常在适配器包的 init 中调用
func Register(typ string, b Builder) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapters[typ] = b
}

// Lookup 获取适配器
func Lookup(typ string) (Builder, bool) {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	b, ok := adapters[typ]
	return b, ok
}

// Adapters 返回已注册的适配器类型
func Adapters() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build 按模板类型查找适配器并创建 Factory
func Build(t Template) (Factory, error) {
	b, ok := Lookup(t.Type)
	if !ok {
		return nil, &UnknownAdapterError{Type: t.Type}
	}
	f, err := b(t)
	if err != nil {
		return nil, fmt.Errorf("build op %s: %w", t.Name, err)
	}
	return f, nil
}
