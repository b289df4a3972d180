package poller

import (
	"errors"
	"math"
	"time"
)

// FD 表示文件描述符。
type FD = int

// Event 是后端归一化后的就绪标志。
type Event uint8

const (
	In  Event = 1 << iota // 可读（含对端关闭）
	Out                   // 可写
	Err                   // 错误 / 挂起 / 异常条件
)

func (e Event) String() string {
	s := ""
	for _, f := range [...]struct {
		e    Event
		name string
	}{{In, "in"}, {Out, "out"}, {Err, "err"}} {
		if e&f.e == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// Interest 是一次等待中某个 fd 关注的事件，Events 只取 In / Out。
type Interest struct {
	Fd     FD
	Events Event
}

// Handler 接收一次 Wait 中的就绪通知。
// 在调用 Wait 的 goroutine 中同步调用，要求无阻塞返回。
type Handler interface {
	OnReady(fd FD, ev Event)
}

type HandlerFunc func(fd FD, ev Event)

func (f HandlerFunc) OnReady(fd FD, ev Event) { f(fd, ev) }

// Poller 是就绪多路复用后端。
// 每次 Wait 都以 interests 为准重建关注集合；被信号中断时直接返回 nil，由调用方重新等待。
type Poller interface {
	Name() string
	Wait(interests []Interest, timeout time.Duration, h Handler) error
	// Forget 立即把 fd 移出内核关注集合，必须在 fd 关闭之前调用：
	// 底层文件若还被复制出的 fd 引用，关闭并不会让 epoll 摘除登记。
	Forget(fd FD)
	Close() error
}

// Kind 选择后端。
type Kind int

const (
	// KindAuto 优先就绪集合后端，不可用时退回 select
	KindAuto Kind = iota
	// KindSelect 基于 fd 列表的 select(2)
	KindSelect
	// KindSet 基于就绪集合的 epoll(7) / kqueue(2)
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindSelect:
		return "select"
	case KindSet:
		return "set"
	}
	return "unknown"
}

var (
	ErrPlatformNotSupported = errors.New("poller: platform not supported")
	ErrFdOutOfRange         = errors.New("poller: descriptor out of range for select")
	ErrUnknownKind          = errors.New("poller: unknown backend kind")
)

// waitMillis 向上取整到毫秒，避免亚毫秒超时退化成忙轮询。
func waitMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
