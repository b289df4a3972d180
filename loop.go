package gloop

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/legamerdc/gloop/internal/bitmap"
	"github.com/legamerdc/gloop/poller"
)

// Loop 是单线程 reactor：在一个 goroutine 内等待 fd 就绪与定时器到期并同步分发回调。
//
// 事件分两张表：active 参与当前轮的等待与分发，pending 为本轮新注册、尚未合并的事件。
// 分发期间只会给 active 中的记录打墓碑，从不增删 active 本身；
// 墓碑清除与 pending 合并只发生在两轮之间。
//
// Loop 不是并发安全的，所有方法必须在同一个 goroutine（通常就是 Run 所在的 goroutine）中调用。
type Loop struct {
	active  map[ID]*event
	pending map[ID]*event
	// 纯定时器事件的标识分配器，下标 0 永久保留，避免与 fd 0 冲突
	timerIDs *bitmap.Bitmap

	// 已知定时器周期的最小值，作为每次等待的上限
	minTimeout     time.Duration
	defaultTimeout time.Duration
	// 定义 minTimeout 的事件被移除后置位，本轮结束时重新计算
	stale bool

	backend   poller.Poller
	interests []poller.Interest
	cycle     uint64
	running   bool
	closed    bool

	log *logiface.Logger[logiface.Event]
}

// New 创建 Loop，并在此时选定就绪后端，之后不再切换
func New(opts ...Option) (*Loop, error) {
	o := resolveOptions(opts)
	if o.defaultTimeout <= 0 {
		return nil, fmt.Errorf("%w: default timeout %v", ErrInvalidTimeout, o.defaultTimeout)
	}
	backend, err := newBackend(o.backend, o.logger)
	if err != nil {
		return nil, err
	}
	ids := bitmap.New(1, true)
	_ = ids.Set(0)
	l := &Loop{
		active:         make(map[ID]*event),
		pending:        make(map[ID]*event),
		timerIDs:       ids,
		minTimeout:     o.defaultTimeout,
		defaultTimeout: o.defaultTimeout,
		backend:        backend,
		log:            o.logger,
	}
	l.log.Debug().
		Str("backend", backend.Name()).
		Dur("default_timeout", o.defaultTimeout).
		Log("gloop: loop created")
	return l, nil
}

func newBackend(kind poller.Kind, log *logiface.Logger[logiface.Event]) (poller.Poller, error) {
	if kind != poller.KindAuto {
		return poller.New(kind)
	}
	p, err := poller.New(poller.KindSet)
	if err == nil {
		return p, nil
	}
	log.Warning().Err(err).Log("gloop: readiness-set backend unavailable, falling back to select")
	return poller.New(poller.KindSelect)
}

// Backend 返回构造时选定的后端名（epoll / kqueue / select）
func (l *Loop) Backend() string { return l.backend.Name() }

// Register 注册事件。fd < 0 表示纯定时器事件，此时分配一个负数标识。
// 新事件先进入 pending，下一次合并后才参与等待与分发。
func (l *Loop) Register(fd int, cb Callback, mask Mask, period time.Duration) (ID, error) {
	if mask == 0 || mask&^maskAll != 0 || cb == nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMask, mask)
	}
	if mask&Timer != 0 && period <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimeout, period)
	}
	if l.closed {
		return 0, ErrClosed
	}

	var id ID
	if fd >= 0 {
		id = ID(fd)
		if l.lookup(id) != nil {
			return 0, fmt.Errorf("%w: fd %d", ErrDescriptorInUse, fd)
		}
	} else {
		fd = NoDescriptor
		i, _ := l.timerIDs.FindFirstClear() // 可增长，不会失败
		id = ID(-i)
	}

	ev := &event{fd: fd, cb: cb, mask: mask, period: period, alive: true}
	if ev.hasTimer() {
		ev.expiry = time.Now().Add(period)
		// 只在这里收紧；放宽只走 stale 重算
		if period < l.minTimeout {
			l.minTimeout = period
		}
	}
	l.pending[id] = ev

	l.log.Trace().
		Int("id", int(id)).
		Int("fd", fd).
		Stringer("mask", mask).
		Dur("period", period).
		Log("gloop: register")
	return id, nil
}

// Unregister 移除事件。pending 中的直接删除；active 中的打墓碑，
// 因此在回调中注销自己或其他事件都是安全的。fd 事件须在关闭 fd 之前注销。
func (l *Loop) Unregister(id ID) error {
	if ev, ok := l.pending[id]; ok {
		delete(l.pending, id)
		l.release(id, ev)
		l.log.Trace().Int("id", int(id)).Log("gloop: unregister pending")
		return nil
	}
	if ev, ok := l.active[id]; ok && ev.alive {
		ev.alive = false
		l.release(id, ev)
		l.log.Trace().Int("id", int(id)).Log("gloop: unregister active")
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownIdentifier, id)
}

// Once 注册一次性定时器
func (l *Loop) Once(cb Callback, period time.Duration) (ID, error) {
	return l.Register(NoDescriptor, cb, Timer, period)
}

// Periodic 注册周期定时器，直到 Unregister 为止
func (l *Loop) Periodic(cb Callback, period time.Duration) (ID, error) {
	return l.Register(NoDescriptor, cb, Timer|Persist, period)
}

// Len 返回存活事件数（active 与 pending 之和，不含墓碑）
func (l *Loop) Len() int {
	n := len(l.pending)
	for _, ev := range l.active {
		if ev.alive {
			n++
		}
	}
	return n
}

// Run 循环执行分发轮次，直到某一轮边界上 active 与 pending 均为空时返回 nil。
// ctx 只在轮次边界检查；后端错误（EINTR 除外）原样返回。
func (l *Loop) Run(ctx context.Context) error {
	if l.running {
		return ErrRunning
	}
	if l.closed {
		return ErrClosed
	}
	l.running = true
	defer func() { l.running = false }()

	for {
		l.merge()
		if len(l.active) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.runOnce(); err != nil {
			l.log.Err().Err(err).Str("backend", l.backend.Name()).Log("gloop: wait failed")
			return err
		}
	}
}

// Close 释放后端。不能在 Run 期间调用。
func (l *Loop) Close() error {
	if l.running {
		return ErrRunning
	}
	if l.closed {
		return nil
	}
	l.closed = true
	return l.backend.Close()
}

func (l *Loop) lookup(id ID) *event {
	if ev, ok := l.pending[id]; ok {
		return ev
	}
	if ev, ok := l.active[id]; ok && ev.alive {
		return ev
	}
	return nil
}

// release 在事件被移除（注销或一次性触发）时调用。
// 调用方须先注销再关闭 fd，这里同步摘除内核登记。
func (l *Loop) release(id ID, ev *event) {
	if id < 0 {
		_ = l.timerIDs.Clear(int(-id))
	}
	if ev.fd >= 0 && ev.interest() != 0 {
		l.backend.Forget(ev.fd)
	}
	if ev.hasTimer() && ev.period == l.minTimeout {
		l.stale = true
	}
}

// merge 先清墓碑再并入 pending，保证标识复用时新记录不被误删
func (l *Loop) merge() {
	for id, ev := range l.active {
		if !ev.alive {
			delete(l.active, id)
		}
	}
	for id, ev := range l.pending {
		l.active[id] = ev
	}
	clear(l.pending)
}

func (l *Loop) runOnce() error {
	now := time.Now()
	wait := l.minTimeout
	l.interests = l.interests[:0]
	for _, ev := range l.active {
		if ev.fd >= 0 {
			var e poller.Event
			if ev.mask&Readable != 0 {
				e |= poller.In
			}
			if ev.mask&Writable != 0 {
				e |= poller.Out
			}
			if e != 0 {
				l.interests = append(l.interests, poller.Interest{Fd: ev.fd, Events: e})
			}
		}
		if ev.hasTimer() {
			wait = min(wait, max(ev.expiry.Sub(now), 0))
		}
	}

	l.cycle++
	if err := l.backend.Wait(l.interests, wait, (*readyHandler)(l)); err != nil {
		return err
	}

	// 纯定时器事件不会出现在就绪列表里，统一在这里扫一遍
	now = time.Now()
	for id, ev := range l.active {
		if ev.alive && ev.cycle != l.cycle && ev.expired(now) {
			l.dispatch(id, ev, Timer)
		}
	}

	if l.stale {
		l.resetMinTimeout()
	}
	return nil
}

// dispatch 分发一条记录。一次性事件在回调前打墓碑，回调里可以立即重新注册同一 fd。
func (l *Loop) dispatch(id ID, ev *event, fired Mask) {
	ev.cycle = l.cycle
	persist := ev.mask&Persist != 0
	if !persist {
		ev.alive = false
		l.release(id, ev)
	}
	l.log.Trace().Int("id", int(id)).Stringer("fired", fired).Log("gloop: dispatch")
	ev.cb(fired, l)
	if persist && ev.alive && fired&Timer != 0 {
		ev.expiry = time.Now().Add(ev.period)
	}
}

// resetMinTimeout 以 active 与 pending 中存活定时器的最小周期重算等待上限
func (l *Loop) resetMinTimeout() {
	m := l.defaultTimeout
	for _, evs := range [...]map[ID]*event{l.active, l.pending} {
		for _, ev := range evs {
			if ev.alive && ev.hasTimer() && ev.period < m {
				m = ev.period
			}
		}
	}
	l.minTimeout = m
	l.stale = false
}

type readyHandler Loop

// OnReady 把后端的就绪标志翻译为 Readable / Writable，并叠加本记录自身已到期的 Timer
func (h *readyHandler) OnReady(fd poller.FD, e poller.Event) {
	l := (*Loop)(h)
	id := ID(fd)
	ev, ok := l.active[id]
	if !ok || !ev.alive || ev.fd != fd {
		return
	}
	var fired Mask
	if e&poller.In != 0 {
		fired |= Readable
	}
	if e&poller.Out != 0 {
		fired |= Writable
	}
	if e&poller.Err != 0 {
		fired |= Readable | Writable
	}
	fired &= ev.interest()
	if fired == 0 {
		return
	}
	if ev.expired(time.Now()) {
		fired |= Timer
	}
	l.dispatch(id, ev, fired)
}
