//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller 水平触发；每次 Wait 前按 interests 同步 epoll 集合：
// 一律先 MOD，ENOENT 再 ADD（fd 被关闭后重用同号也能正确重新注册），
// 本轮不再关注的 fd 执行 DEL 并忽略错误；正常路径上调用方已先行 Forget。
type epollPoller struct {
	efd     int
	events  []unix.EpollEvent
	watched map[FD]struct{}
	current map[FD]struct{}
}

func newSetPoller() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		efd:     efd,
		events:  make([]unix.EpollEvent, 128),
		watched: make(map[FD]struct{}),
		current: make(map[FD]struct{}),
	}, nil
}

func (p *epollPoller) Name() string { return "epoll" }

func (p *epollPoller) sync(interests []Interest) error {
	clear(p.current)
	for _, in := range interests {
		var flag uint32
		if in.Events&In != 0 {
			flag |= unix.EPOLLIN | unix.EPOLLRDHUP
		}
		if in.Events&Out != 0 {
			flag |= unix.EPOLLOUT
		}
		if flag == 0 {
			continue
		}
		ev := &unix.EpollEvent{Events: flag, Fd: int32(in.Fd)}
		err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, in.Fd, ev)
		if err == unix.ENOENT {
			err = unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, in.Fd, ev)
		}
		if err != nil {
			return err
		}
		p.current[in.Fd] = struct{}{}
	}
	for fd := range p.watched {
		if _, ok := p.current[fd]; !ok {
			// fd 可能已被关闭，epoll 会自动摘除
			_ = unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	}
	p.watched, p.current = p.current, p.watched
	return nil
}

func (p *epollPoller) Forget(fd FD) {
	if _, ok := p.watched[fd]; !ok {
		return
	}
	delete(p.watched, fd)
	_ = unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(interests []Interest, timeout time.Duration, h Handler) error {
	if err := p.sync(interests); err != nil {
		return err
	}
	if n := len(p.watched); n > len(p.events) {
		p.events = make([]unix.EpollEvent, n)
	}
	n, err := unix.EpollWait(p.efd, p.events, waitMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		var e Event
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			e |= In
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			e |= Out
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e |= Err
		}
		h.OnReady(int(ev.Fd), e)
	}
	return nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.efd)
}
