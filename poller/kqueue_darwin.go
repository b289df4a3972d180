//go:build darwin

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller 不带 EV_CLEAR，即水平触发。
// 每次 Wait 前：需要的 filter 一律 EV_ADD（幂等），不再需要的 EV_DELETE。
// 同一 fd 的读 / 写事件合并为一次回调。
type kqueuePoller struct {
	kq       int
	changes  []unix.Kevent_t
	receipts []unix.Kevent_t
	events   []unix.Kevent_t
	watched  map[FD]Event
	current  map[FD]Event
	merged   map[FD]Event
	order    []FD
}

func newSetPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:      kq,
		events:  make([]unix.Kevent_t, 128),
		watched: make(map[FD]Event),
		current: make(map[FD]Event),
		merged:  make(map[FD]Event),
	}, nil
}

func (p *kqueuePoller) Name() string { return "kqueue" }

func (p *kqueuePoller) change(fd FD, filter int, flags int) {
	var k unix.Kevent_t
	unix.SetKevent(&k, fd, filter, flags|unix.EV_RECEIPT)
	p.changes = append(p.changes, k)
}

func (p *kqueuePoller) sync(interests []Interest) error {
	clear(p.current)
	p.changes = p.changes[:0]
	for _, in := range interests {
		want := in.Events & (In | Out)
		if want == 0 {
			continue
		}
		had := p.watched[in.Fd]
		if want&In != 0 {
			p.change(in.Fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
		} else if had&In != 0 {
			p.change(in.Fd, unix.EVFILT_READ, unix.EV_DELETE)
		}
		if want&Out != 0 {
			p.change(in.Fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
		} else if had&Out != 0 {
			p.change(in.Fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		}
		p.current[in.Fd] = want
	}
	for fd, had := range p.watched {
		if _, ok := p.current[fd]; ok {
			continue
		}
		if had&In != 0 {
			p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
		}
		if had&Out != 0 {
			p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		}
	}
	p.watched, p.current = p.current, p.watched
	if len(p.changes) == 0 {
		return nil
	}
	if cap(p.receipts) < len(p.changes) {
		p.receipts = make([]unix.Kevent_t, len(p.changes))
	}
	receipts := p.receipts[:len(p.changes)]
	var n int
	var err error
	for {
		n, err = unix.Kevent(p.kq, p.changes, receipts, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return err
	}
	for _, r := range receipts[:n] {
		if r.Flags&unix.EV_ERROR == 0 || r.Data == 0 {
			continue
		}
		errno := unix.Errno(r.Data)
		if errno == unix.ENOENT {
			continue
		}
		if _, live := p.watched[int(r.Ident)]; !live && errno == unix.EBADF {
			// 已关闭 fd 的 EV_DELETE
			continue
		}
		return errno
	}
	return nil
}

func (p *kqueuePoller) Forget(fd FD) {
	had, ok := p.watched[fd]
	if !ok {
		return
	}
	delete(p.watched, fd)
	var changes, receipts [2]unix.Kevent_t
	n := 0
	if had&In != 0 {
		unix.SetKevent(&changes[n], fd, unix.EVFILT_READ, unix.EV_DELETE|unix.EV_RECEIPT)
		n++
	}
	if had&Out != 0 {
		unix.SetKevent(&changes[n], fd, unix.EVFILT_WRITE, unix.EV_DELETE|unix.EV_RECEIPT)
		n++
	}
	if n == 0 {
		return
	}
	for {
		if _, err := unix.Kevent(p.kq, changes[:n], receipts[:n], nil); err != unix.EINTR {
			return
		}
	}
}

func (p *kqueuePoller) Wait(interests []Interest, timeout time.Duration, h Handler) error {
	if err := p.sync(interests); err != nil {
		return err
	}
	if n := 2 * len(p.watched); n > len(p.events) {
		p.events = make([]unix.Kevent_t, n)
	}
	if timeout < 0 {
		timeout = 0
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Kevent(p.kq, nil, p.events, &ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	clear(p.merged)
	p.order = p.order[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		var e Event
		switch ev.Filter {
		case unix.EVFILT_READ:
			e |= In
		case unix.EVFILT_WRITE:
			e |= Out
			if ev.Flags&unix.EV_EOF != 0 {
				e |= Err
			}
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e |= Err
		}
		if _, ok := p.merged[fd]; !ok {
			p.order = append(p.order, fd)
		}
		p.merged[fd] |= e
	}
	for _, fd := range p.order {
		h.OnReady(fd, p.merged[fd])
	}
	return nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
