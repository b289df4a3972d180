//go:build linux || darwin

package netutil

import (
	"net"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetNoDelay(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
}

func SetReuseAddr(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(enable))
}

func SetReusePort(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(enable))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DupConn 复制 net.Conn（或任意 syscall.Conn）底层的 fd。
// 返回的 fd 归调用方所有，与原连接的生命周期无关。
func DupConn(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	nfd, dupErr := -1, error(nil)
	err = rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}

// Listen 打开一个非阻塞监听 fd，仅支持 tcp / tcp4 / tcp6。
func Listen(network, address string, reusePort bool) (int, error) {
	fam := unix.AF_INET
	if strings.HasSuffix(network, "6") {
		fam = unix.AF_INET6
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	_ = SetReuseAddr(fd, true)
	if reusePort {
		_ = SetReusePort(fd, true)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa, err := resolveSockaddr(fam, address)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func resolveSockaddr(fam int, address string) (unix.Sockaddr, error) {
	if fam == unix.AF_INET6 {
		addr, err := net.ResolveTCPAddr("tcp6", address)
		if err != nil {
			return nil, err
		}
		sa := &unix.SockaddrInet6{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return sa, nil
	}
	addr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To4())
	}
	return sa, nil
}

// LocalAddr 返回 fd 绑定的地址。
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return tcpAddr(sa), nil
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		a := &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
		if v.ZoneId != 0 {
			a.Zone = strconv.Itoa(int(v.ZoneId))
		}
		return a
	}
	return &net.TCPAddr{}
}
