package activity

import "errors"

var (
	// ErrNotStarted 表示 activity 尚未启动
	ErrNotStarted = errors.New("activity not started")

	// ErrAlreadyStarted 表示 Start 被重复调用
	ErrAlreadyStarted = errors.New("activity already started")

	// ErrNotRunning 表示 activity 已经停止或结束，不再接受线程数调整
	ErrNotRunning = errors.New("activity not running")

	// ErrUnknownSlot 表示槽位不存在或已经退出
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrInvalidParams 表示参数更新不合法，整个更新不会生效
	ErrInvalidParams = errors.New("invalid activity params")
)
