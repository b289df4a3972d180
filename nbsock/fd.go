//go:build linux || darwin

package nbsock

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/legamerdc/gloop/internal/netutil"
)

// Descriptor 是 Socket 对底层 fd 的全部要求
type Descriptor interface {
	Fd() int
	SetNonblock(nonblocking bool) error
	// Read 返回 (0, nil) 表示对端已关闭
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// FD 以原始 fd 实现 Descriptor
type FD int

func (fd FD) Fd() int { return int(fd) }

func (fd FD) SetNonblock(nonblocking bool) error {
	return unix.SetNonblock(int(fd), nonblocking)
}

func (fd FD) Read(p []byte) (int, error) {
	n, err := unix.Read(int(fd), p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (fd FD) Write(p []byte) (int, error) {
	n, err := unix.Write(int(fd), p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (fd FD) Close() error { return unix.Close(int(fd)) }

// FromConn 复制 c（net.Conn、net.Listener 等）底层的 fd。
// 返回的 FD 与 c 需各自关闭，但两者共享文件状态（包括非阻塞标志）。
func FromConn(c syscall.Conn) (FD, error) {
	fd, err := netutil.DupConn(c)
	if err != nil {
		return -1, err
	}
	return FD(fd), nil
}
