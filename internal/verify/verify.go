// Package verify 把配置中的校验表达式编译成结果校验函数。
//
// 支持的前缀:
//
//	js:<expr>        JavaScript 表达式，result 与 cycle 作为全局变量，结果按真值判断
//	jsonpath:<path>  JSONPath 命中且第一个值为真值时通过
package verify

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"yqhp/cycle-engine/internal/ops"
)

// ErrUnknownKind 表达式前缀不受支持
var ErrUnknownKind = errors.New("unknown verifier kind")

// Valuer 由结构化结果实现，返回用于校验的通用值
type Valuer interface {
	Value() any
}

// Compile 编译校验表达式，空表达式返回 nil
func Compile(expr string) (ops.Verifier, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	kind, body, ok := strings.Cut(expr, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, expr)
	}
	switch strings.ToLower(kind) {
	case "js":
		return compileJS(body)
	case "jsonpath":
		return compileJSONPath(body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// normalize 把结果统一成 JSON 风格的值
func normalize(result any) any {
	switch v := result.(type) {
	case Valuer:
		return v.Value()
	case []byte:
		if parsed, err := oj.Parse(v); err == nil {
			return parsed
		}
		return string(v)
	default:
		return result
	}
}

func compileJS(src string) (ops.Verifier, error) {
	prog, err := goja.Compile("verify", src, false)
	if err != nil {
		return nil, fmt.Errorf("compile js verifier: %w", err)
	}
	// goja.Runtime 不是并发安全的，每个并发调用方各取一个
	pool := &sync.Pool{New: func() any { return goja.New() }}

	return func(cycle int64, result any) (bool, error) {
		vm := pool.Get().(*goja.Runtime)
		defer pool.Put(vm)

		if err := vm.Set("result", normalize(result)); err != nil {
			return false, err
		}
		if err := vm.Set("cycle", cycle); err != nil {
			return false, err
		}
		v, err := vm.RunProgram(prog)
		if err != nil {
			return false, fmt.Errorf("js verifier: %w", err)
		}
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return false, nil
		}
		return v.ToBoolean(), nil
	}, nil
}

func compileJSONPath(src string) (ops.Verifier, error) {
	path, err := jp.ParseString(strings.TrimSpace(src))
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", src, err)
	}
	return func(_ int64, result any) (bool, error) {
		data := normalize(result)
		if s, ok := data.(string); ok {
			parsed, err := oj.ParseString(s)
			if err != nil {
				return false, nil
			}
			data = parsed
		}
		found := path.Get(data)
		if len(found) == 0 {
			return false, nil
		}
		return truthy(found[0]), nil
	}, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
