// Package ops 定义 motor 与具体协议适配器之间的操作契约。
package ops

import (
	"context"
	"errors"
	"fmt"
)

// UnknownResultSize 表示操作无法给出结果大小
const UnknownResultSize int64 = -1

// ErrUnknownKind 操作声明了 motor 不认识的能力
var ErrUnknownKind = errors.New("operation implements no known execution kind")

// Kind 是操作的执行能力，motor 只按这个封闭集合分派
type Kind int

const (
	// KindRunnable 只执行，不产出结果
	KindRunnable Kind = iota + 1
	// KindCycle 以 cycle 为输入产出结果
	KindCycle
	// KindChaining 以上一个操作的结果为输入产出结果
	KindChaining
)

func (k Kind) String() string {
	switch k {
	case KindRunnable:
		return "runnable"
	case KindCycle:
		return "cycle"
	case KindChaining:
		return "chaining"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid 报告 k 是否属于已知集合
func (k Kind) Valid() bool {
	return k >= KindRunnable && k <= KindChaining
}

// Input 是一次执行的输入
type Input struct {
	Cycle int64
	// Prior 是链式操作中上一个操作的结果
	Prior any
}

// Op 是一个已经绑定到 cycle 的可执行操作
type Op interface {
	Kind() Kind
	Execute(ctx context.Context, in Input) (any, error)
	// ResultSize 返回最近一次结果的近似大小，未知时返回 UnknownResultSize
	ResultSize() int64
	// Next 返回后续操作，没有时返回 false
	Next() (Op, bool)
}

// funcOp 是基于函数的通用实现
type funcOp struct {
	kind Kind
	fn   func(ctx context.Context, in Input) (any, error)
	size func(result any) int64
	next func() (Op, bool)

	last any
}

func (o *funcOp) Kind() Kind { return o.kind }

func (o *funcOp) Execute(ctx context.Context, in Input) (any, error) {
	res, err := o.fn(ctx, in)
	o.last = res
	return res, err
}

func (o *funcOp) ResultSize() int64 {
	if o.size == nil {
		return UnknownResultSize
	}
	return o.size(o.last)
}

func (o *funcOp) Next() (Op, bool) {
	if o.next == nil {
		return nil, false
	}
	return o.next()
}

// OpOption 配置函数操作
type OpOption func(*funcOp)

// WithResultSize 设置结果大小计算
func WithResultSize(fn func(result any) int64) OpOption {
	return func(o *funcOp) { o.size = fn }
}

// WithNext 设置后续操作
func WithNext(next func() (Op, bool)) OpOption {
	return func(o *funcOp) { o.next = next }
}

// Then 固定的后续操作
func Then(op Op) OpOption {
	return WithNext(func() (Op, bool) { return op, op != nil })
}

// RunnableFunc 创建只执行的操作
func RunnableFunc(fn func(ctx context.Context) error, opts ...OpOption) Op {
	o := &funcOp{kind: KindRunnable, fn: func(ctx context.Context, _ Input) (any, error) {
		return nil, fn(ctx)
	}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CycleFunc 创建以 cycle 为输入的操作
func CycleFunc(fn func(ctx context.Context, cycle int64) (any, error), opts ...OpOption) Op {
	o := &funcOp{kind: KindCycle, fn: func(ctx context.Context, in Input) (any, error) {
		return fn(ctx, in.Cycle)
	}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ChainFunc 创建以上一个结果为输入的操作
func ChainFunc(fn func(ctx context.Context, prior any) (any, error), opts ...OpOption) Op {
	o := &funcOp{kind: KindChaining, fn: func(ctx context.Context, in Input) (any, error) {
		return fn(ctx, in.Prior)
	}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
