//go:build linux || darwin

package poller

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fdSetSize 即 FD_SETSIZE，由 FdSet 的位数决定
const fdSetSize = int(unsafe.Sizeof(unix.FdSet{})) * 8

// selectPoller 每次等待都从 interests 重建读 / 写 / 异常三张列表。
// 回调顺序：全部可读，然后全部可写，最后全部异常；每张列表内 fd 升序。
type selectPoller struct {
	r, w, e unix.FdSet
}

func newSelectPoller() *selectPoller { return &selectPoller{} }

func (p *selectPoller) Name() string { return "select" }

// Forget 无需动作，select 没有内核侧状态
func (p *selectPoller) Forget(FD) {}

func (p *selectPoller) Wait(interests []Interest, timeout time.Duration, h Handler) error {
	p.r.Zero()
	p.w.Zero()
	p.e.Zero()
	nfd := 0
	for _, in := range interests {
		if in.Fd < 0 || in.Fd >= fdSetSize {
			return fmt.Errorf("%w: %d", ErrFdOutOfRange, in.Fd)
		}
		if in.Events&In != 0 {
			p.r.Set(in.Fd)
		}
		if in.Events&Out != 0 {
			p.w.Set(in.Fd)
		}
		if in.Events&(In|Out) != 0 {
			p.e.Set(in.Fd)
			nfd = max(nfd, in.Fd+1)
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(nfd, &p.r, &p.w, &p.e, &tv)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n <= 0 {
		return nil
	}
	for _, pass := range [...]struct {
		set *unix.FdSet
		ev  Event
	}{{&p.r, In}, {&p.w, Out}, {&p.e, Err}} {
		for fd := 0; fd < nfd; fd++ {
			if pass.set.IsSet(fd) {
				h.OnReady(fd, pass.ev)
			}
		}
	}
	return nil
}

func (p *selectPoller) Close() error { return nil }
