package motor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a slot state change is not allowed.
	ErrInvalidTransition = errors.New("invalid slot state transition")

	// ErrUnknownOpKind is returned when an op reports no executable capability.
	ErrUnknownOpKind = errors.New("op has no executable capability")

	// ErrBind is matched by every BindError.
	ErrBind = errors.New("op binding failed")

	// ErrOutput is returned when the output rejects a segment.
	ErrOutput = errors.New("output rejected segment")

	// ErrAlreadyStarted is returned when Run is called twice on the same motor.
	ErrAlreadyStarted = errors.New("motor already started")
)

// BindError 表示 cycle 在第一次尝试之前就无法绑定成操作
type BindError struct {
	Cycle    int64
	Template string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind cycle %d with template %q: %v", e.Cycle, e.Template, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == ErrBind }
