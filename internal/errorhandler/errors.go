package errorhandler

import (
	"errors"
	"fmt"
	"reflect"
)

// 结果码
const (
	CodeOK                    = 0
	CodeRetryable             = 1
	CodeVerificationExhausted = 126
	CodeNonRetryable          = 127
)

// ErrVerificationExhausted 结果校验失败且重试次数用尽
var ErrVerificationExhausted = errors.New("result verification failed on every attempt")

// NamedError 允许错误提供用于规则匹配的名称
type NamedError interface {
	error
	ErrorName() string
}

// VerificationError 表示一次结果校验未通过
type VerificationError struct {
	Cycle int64
	Cause error
}

func (e *VerificationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("verification failed for cycle %d: %v", e.Cycle, e.Cause)
	}
	return fmt.Sprintf("verification failed for cycle %d", e.Cycle)
}

func (e *VerificationError) ErrorName() string { return "VerificationError" }

func (e *VerificationError) Unwrap() error { return e.Cause }

// ExhaustedError 包装最后一次校验失败
type ExhaustedError struct {
	Cycle int64
	Tries int
	Last  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("cycle %d: %v after %d tries: %v", e.Cycle, ErrVerificationExhausted, e.Tries, e.Last)
}

func (e *ExhaustedError) ErrorName() string { return "VerificationExhausted" }

func (e *ExhaustedError) Is(target error) bool { return target == ErrVerificationExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ErrorName 返回错误名称：优先使用链上的 NamedError，否则使用最外层错误的类型名
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	var named NamedError
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}
