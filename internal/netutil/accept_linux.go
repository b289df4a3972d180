//go:build linux

package netutil

import (
	"net"

	"golang.org/x/sys/unix"
)

// Accept 接受一个连接，返回的 fd 已是非阻塞 + CLOEXEC。
// 无待接受连接时返回 unix.EAGAIN。
func Accept(lfd int) (int, *net.TCPAddr, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, err
		}
		_ = SetNoDelay(fd, true)
		return fd, tcpAddr(sa), nil
	}
}
