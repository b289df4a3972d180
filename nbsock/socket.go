//go:build linux || darwin

package nbsock

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

const (
	DefaultReadSize   = 8192
	DefaultMinBackoff = time.Millisecond
	DefaultMaxBackoff = 32 * time.Millisecond
)

// Socket 是带接收缓冲的非阻塞 socket，不是并发安全的
type Socket struct {
	d Descriptor
	// 缓冲数据为 rbuf[r:]
	rbuf []byte
	r    int

	readSize               int
	minBackoff, maxBackoff time.Duration
	closed                 bool
}

type Option func(*Socket)

// WithReadSize 设置单次底层读的大小
func WithReadSize(n int) Option {
	return func(s *Socket) {
		if n > 0 {
			s.readSize = n
		}
	}
}

// WithBackoff 设置 Sync 系列方法遇到 would-block 时的睡眠区间，每次翻倍，有进展后复位
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(s *Socket) {
		if minDelay > 0 && maxDelay >= minDelay {
			s.minBackoff, s.maxBackoff = minDelay, maxDelay
		}
	}
}

// New 把 d 置为非阻塞并包装。Socket 接管 d，由 Close 关闭。
func New(d Descriptor, opts ...Option) (*Socket, error) {
	if err := d.SetNonblock(true); err != nil {
		return nil, &Error{Op: "setnonblock", Err: err}
	}
	s := &Socket{
		d:          d,
		readSize:   DefaultReadSize,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Socket) Fd() int { return s.d.Fd() }

// Have 返回缓冲中的字节数
func (s *Socket) Have() int { return len(s.rbuf) - s.r }

// Take 从缓冲头部取走至多 n 个字节，n < 0 表示全部。返回的切片归调用方所有。
func (s *Socket) Take(n int) []byte {
	if n < 0 || n > s.Have() {
		n = s.Have()
	}
	out := make([]byte, n)
	copy(out, s.rbuf[s.r:])
	s.r += n
	if s.r == len(s.rbuf) {
		s.rbuf, s.r = s.rbuf[:0], 0
	}
	return out
}

// Give 把 p 放回缓冲头部，下一次读取最先看到它
func (s *Socket) Give(p []byte) {
	if len(p) == 0 {
		return
	}
	if s.r >= len(p) {
		s.r -= len(p)
		copy(s.rbuf[s.r:], p)
		return
	}
	nb := make([]byte, len(p)+s.Have(), len(p)+s.Have()+s.readSize)
	copy(nb, p)
	copy(nb[len(p):], s.rbuf[s.r:])
	s.rbuf, s.r = nb, 0
}

// fill 做一次底层读并追加到缓冲，EINTR 时重试。返回 0, nil 表示对端已关闭。
func (s *Socket) fill() (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if cap(s.rbuf)-len(s.rbuf) < s.readSize {
		have := s.Have()
		if s.r > 0 && cap(s.rbuf)-have >= s.readSize {
			copy(s.rbuf, s.rbuf[s.r:])
			s.rbuf, s.r = s.rbuf[:have], 0
		} else {
			nb := make([]byte, have, 2*have+s.readSize)
			copy(nb, s.rbuf[s.r:])
			s.rbuf, s.r = nb, 0
		}
	}
	tail := s.rbuf[len(s.rbuf) : len(s.rbuf)+s.readSize]
	for {
		n, err := s.d.Read(tail)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		s.rbuf = s.rbuf[:len(s.rbuf)+n]
		return n, nil
	}
}

// Recv 返回至多 n 个字节。缓冲已足够时不做系统调用；否则读到凑够、对端关闭或 would-block 为止。
// would-block 时只要缓冲非空就返回已有数据（可能不足 n），缓冲为空才返回 ErrWouldBlock。
// 对端关闭时返回不足 n 的结果（可能为空），不算错误。
func (s *Socket) Recv(n int) ([]byte, error) {
	for s.Have() < n {
		m, err := s.fill()
		if err != nil {
			if IsWouldBlock(err) && s.Have() > 0 {
				break
			}
			return nil, &Error{Op: "recv", Err: err, Received: s.Have()}
		}
		if m == 0 {
			break
		}
	}
	return s.Take(max(n, 0)), nil
}

// RecvN 读满 n 个字节或直到对端关闭，would-block 时退避重试。
// 出错（包括 ctx 结束）时已读到的字节留在缓冲里，*Error.Received 为其数量，再次调用即可续读。
func (s *Socket) RecvN(ctx context.Context, n int) ([]byte, error) {
	b := s.newBackoff()
	for s.Have() < n {
		m, err := s.fill()
		if err != nil {
			if IsWouldBlock(err) {
				err = sleep(ctx, b.NextBackOff())
			}
			if err != nil {
				return nil, &Error{Op: "recvn", Err: err, Received: min(s.Have(), n)}
			}
			continue
		}
		if m == 0 {
			break
		}
		b.Reset()
	}
	return s.Take(n), nil
}

// RecvAll 读到对端关闭为止。任何错误（包括 would-block）都把已读数据留在缓冲里并返回错误。
func (s *Socket) RecvAll() ([]byte, error) {
	return s.recvAll(nil)
}

// RecvAllSync 同 RecvAll，但 would-block 时退避重试
func (s *Socket) RecvAllSync(ctx context.Context) ([]byte, error) {
	return s.recvAll(s.waiter(ctx))
}

func (s *Socket) recvAll(wait func() error) ([]byte, error) {
	for {
		m, err := s.fill()
		if err != nil {
			if wait != nil && IsWouldBlock(err) {
				err = wait()
			}
			if err != nil {
				return nil, &Error{Op: "recvall", Err: err, Received: s.Have()}
			}
			continue
		}
		if m == 0 {
			return s.Take(-1), nil
		}
	}
}

// RecvDelim 读到 delim 出现为止，返回含 delim 在内的全部字节；多读的部分留在缓冲供下次读取。
// 对端关闭时返回已积累的部分（不含 delim，可能为空）。
// 出错（包括 would-block）时已积累的字节全部留在缓冲里。
func (s *Socket) RecvDelim(delim []byte) ([]byte, error) {
	return s.recvDelim(delim, nil)
}

// RecvLine 即 RecvDelim("\n")
func (s *Socket) RecvLine() ([]byte, error) {
	return s.recvDelim(newline, nil)
}

// RecvDelimSync 同 RecvDelim，但 would-block 时退避重试
func (s *Socket) RecvDelimSync(ctx context.Context, delim []byte) ([]byte, error) {
	return s.recvDelim(delim, s.waiter(ctx))
}

// RecvLineSync 即 RecvDelimSync(ctx, "\n")
func (s *Socket) RecvLineSync(ctx context.Context) ([]byte, error) {
	return s.recvDelim(newline, s.waiter(ctx))
}

var newline = []byte{'\n'}

func (s *Socket) recvDelim(delim []byte, wait func() error) ([]byte, error) {
	if len(delim) == 0 {
		return nil, ErrEmptyDelimiter
	}
	// 已扫描过的前缀不再重扫，分隔符可能跨两次读取
	scanned := 0
	for {
		from := max(scanned-len(delim)+1, 0)
		if i := bytes.Index(s.rbuf[s.r+from:], delim); i >= 0 {
			return s.Take(from + i + len(delim)), nil
		}
		scanned = s.Have()

		m, err := s.fill()
		if err != nil {
			if wait != nil && IsWouldBlock(err) {
				err = wait()
			}
			if err != nil {
				return nil, &Error{Op: "recvdelim", Err: err, Received: s.Have()}
			}
			continue
		}
		if m == 0 {
			return s.Take(-1), nil
		}
	}
}

// Send 尝试写一次，EINTR 时重试，返回实际写出的字节数（可能不足）。未写出的部分不缓存。
func (s *Socket) Send(p []byte) (int, error) {
	if s.closed {
		return 0, &Error{Op: "send", Err: ErrClosed}
	}
	for {
		n, err := s.d.Write(p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, &Error{Op: "send", Err: err, Sent: n}
		}
		return n, nil
	}
}

// SendAllSync 写完 p 为止，would-block 时退避重试。出错时 *Error.Sent 为已写出的字节数。
func (s *Socket) SendAllSync(ctx context.Context, p []byte) error {
	b := s.newBackoff()
	put := 0
	for put < len(p) {
		n, err := s.Send(p[put:])
		put += n
		if err != nil {
			if IsWouldBlock(err) {
				err = sleep(ctx, b.NextBackOff())
			}
			if err != nil {
				var se *Error
				if errors.As(err, &se) {
					err = se.Err
				}
				return &Error{Op: "sendall", Err: err, Sent: put}
			}
			continue
		}
		if n > 0 {
			b.Reset()
		}
	}
	return nil
}

// Close 先恢复阻塞模式再关闭，让关闭时的最后一次 flush 不受非阻塞短写影响。重复调用返回 nil。
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.d.SetNonblock(false)
	return s.d.Close()
}

func (s *Socket) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: s.minBackoff,
		Multiplier:      2,
		MaxInterval:     s.maxBackoff,
		Stop:            backoff.Stop,
		Clock:           backoff.SystemClock,
	}
	b.Reset()
	return b
}

// waiter 返回一个按退避睡眠的函数；缓冲有增长时退避复位
func (s *Socket) waiter(ctx context.Context) func() error {
	b := s.newBackoff()
	last := s.Have()
	return func() error {
		if s.Have() != last {
			last = s.Have()
			b.Reset()
		}
		return sleep(ctx, b.NextBackOff())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
