// Package utils 提供通用的并发辅助函数
package utils

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"yqhp/cycle-engine/pkg/logger"
)

// PanicError 包装 goroutine 中恢复的 panic
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("goroutine %s panic: %v", e.Name, e.Value)
}

func (e *PanicError) ErrorName() string { return "Panic" }

// Recover 执行 fn，panic 时记录日志并以 PanicError 返回
func Recover(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
			logger.Error("goroutine panic recovered",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.ByteString("stack", pe.Stack))
			err = pe
		}
	}()
	return fn()
}

// SafeGo 安全地启动一个带名称的 goroutine，panic 时调用 onPanic（可以为 nil）
func SafeGo(name string, fn func(), onPanic func(err *PanicError)) {
	go func() {
		err := Recover(name, func() error {
			fn()
			return nil
		})
		if pe, ok := err.(*PanicError); ok && onPanic != nil {
			onPanic(pe)
		}
	}()
}
