//go:build darwin

package netutil

import (
	"net"

	"golang.org/x/sys/unix"
)

// Accept 接受一个连接，返回的 fd 已是非阻塞 + CLOEXEC。
// darwin 没有 accept4，需要额外两次系统调用。
func Accept(lfd int) (int, *net.TCPAddr, error) {
	for {
		fd, sa, err := unix.Accept(lfd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, err
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return -1, nil, err
		}
		_ = SetNoDelay(fd, true)
		return fd, tcpAddr(sa), nil
	}
}
