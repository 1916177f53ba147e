package motor

import (
	"fmt"
	"sync/atomic"
)

// SlotState 是一个 motor 的执行阶段
type SlotState int32

const (
	// Running 正在领取并执行 cycle
	Running SlotState = iota
	// Stopping 已收到停止请求，当前 stride 结束后退出
	Stopping
	// Stopped 因停止请求或致命错误退出
	Stopped
	// Finished cycle 已全部领取完
	Finished
)

func (s SlotState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// Terminal 报告是否为终止状态
func (s SlotState) Terminal() bool {
	return s == Stopped || s == Finished
}

// CanTransition 只允许 Running→Stopping→Stopped 和 Running→Finished
func CanTransition(from, to SlotState) bool {
	switch from {
	case Running:
		return to == Stopping || to == Finished
	case Stopping:
		return to == Stopped
	default:
		return false
	}
}

// slotState 是可以被 motor 和外部停止请求并发修改的状态
type slotState struct {
	v atomic.Int32
}

func (s *slotState) Load() SlotState {
	return SlotState(s.v.Load())
}

// transition 只有当前状态为 from 时才切换到 to
func (s *slotState) transition(from, to SlotState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !s.v.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrInvalidTransition, from, to, s.Load())
	}
	return nil
}
