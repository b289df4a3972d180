package gloop

import (
	"errors"

	"github.com/legamerdc/gloop/poller"
)

var (
	// ErrInvalidMask 兴趣掩码为空、含未知位，或回调为 nil
	ErrInvalidMask = errors.New("gloop: invalid interest mask")

	// ErrInvalidTimeout 请求 Timer 但周期不为正
	ErrInvalidTimeout = errors.New("gloop: timer period must be positive")

	// ErrUnknownIdentifier 注销的标识不在 active / pending 中
	ErrUnknownIdentifier = errors.New("gloop: unknown event identifier")

	// ErrDescriptorInUse 同一 fd 只能有一个存活事件
	ErrDescriptorInUse = errors.New("gloop: descriptor already registered")

	ErrRunning = errors.New("gloop: loop is running")
	ErrClosed  = errors.New("gloop: loop is closed")

	// ErrPlatformNotSupported 非 linux / darwin 平台
	ErrPlatformNotSupported = poller.ErrPlatformNotSupported
)
