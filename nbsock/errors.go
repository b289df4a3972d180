//go:build linux || darwin

package nbsock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock 是非阻塞 I/O 的“稍后再试”，不是连接错误
	ErrWouldBlock error = unix.EAGAIN

	ErrClosed         = errors.New("nbsock: socket closed")
	ErrEmptyDelimiter = errors.New("nbsock: empty delimiter")
)

// Error 是底层 I/O 错误，附带出错前的进度
type Error struct {
	Op string
	Err error
	// Sent 为本次调用出错前已写出的字节数
	Sent int
	// Received 为本次调用出错前已读入缓冲、尚未取走的字节数
	Received int
}

func (e *Error) Error() string {
	return fmt.Sprintf("nbsock: %s: %v (sent=%d, received=%d)", e.Op, e.Err, e.Sent, e.Received)
}

func (e *Error) Unwrap() error { return e.Err }

// IsWouldBlock 报告 err 是否为 would-block
func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }
