//go:build linux || darwin

package server

import (
	"errors"
	"net"
	"time"

	"github.com/eapache/queue"

	"github.com/legamerdc/gloop"
	"github.com/legamerdc/gloop/internal/ring"
	"github.com/legamerdc/gloop/nbsock"
	"github.com/legamerdc/gloop/protocol"
)

// errStopParse 让 Parse 在连接被回调关闭后停下
var errStopParse = errors.New("server: stop parse")

// Conn 是一条已接受的连接，只能在驱动 loop 的 goroutine 中使用
type Conn struct {
	ID uint64

	srv    *Server
	fd     int
	sock   *nbsock.Socket
	remote *net.TCPAddr
	rx     *ring.Buffer

	// 待写出的帧（[]byte），队头已写出 wpos 字节
	wq   *queue.Queue
	wpos int
	// 已注册 Writable 兴趣
	writing bool
	tx      txBatch

	lastActive time.Time
	closed     bool
}

func newConn(s *Server, id uint64, fd int, sock *nbsock.Socket, remote *net.TCPAddr) *Conn {
	return &Conn{
		ID:         id,
		srv:        s,
		fd:         fd,
		sock:       sock,
		remote:     remote,
		rx:         ring.New(s.cfg.RxRingSize),
		wq:         queue.New(),
		lastActive: time.Now(),
	}
}

func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Write 发送一条消息。未开启合批时立即尝试写出，写不完的部分在 fd 可写时继续。
func (c *Conn) Write(api uint16, msg []byte) error {
	if c.closed {
		return ErrConnClosed
	}
	c.srv.stats.Messages.WithLabelValues("tx").Inc()
	if c.srv.cfg.TxBatchWindow > 0 {
		return c.tx.add(c, api, msg)
	}
	frame, err := c.srv.enc.AppendSingle(nil, api, msg)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// Close 尽力写出已排队的数据后关闭连接，OnClose 收到 nil
func (c *Conn) Close() error {
	if c.closed {
		return ErrConnClosed
	}
	c.tx.flush(c)
	c.flush()
	c.closeWith(nil)
	return nil
}

// arm 以当前状态重新注册 fd 事件；loop 不支持修改兴趣，只能注销后重注册
func (c *Conn) arm(writing bool) error {
	mask := gloop.Readable | gloop.Persist
	if writing {
		mask |= gloop.Writable
	}
	var period time.Duration
	if idle := c.srv.cfg.IdleTimeout; idle > 0 {
		mask |= gloop.Timer
		period = idle
	}
	loop := c.srv.loop
	_ = loop.Unregister(gloop.ID(c.fd))
	if _, err := loop.Register(c.fd, c.onEvent, mask, period); err != nil {
		return err
	}
	c.writing = writing
	return nil
}

func (c *Conn) onEvent(fired gloop.Mask, _ *gloop.Loop) {
	if fired&gloop.Readable != 0 {
		c.onReadable()
	}
	if !c.closed && fired&gloop.Writable != 0 {
		c.flush()
	}
	if !c.closed && fired&gloop.Timer != 0 && time.Since(c.lastActive) >= c.srv.cfg.IdleTimeout {
		c.closeWith(ErrIdleTimeout)
	}
}

func (c *Conn) onReadable() {
	for !c.closed {
		free := c.rx.Free()
		if free == 0 {
			c.closeWith(ErrRxOverflow)
			return
		}
		p, err := c.sock.Recv(free)
		if err != nil {
			if !nbsock.IsWouldBlock(err) {
				c.closeWith(err)
			}
			return
		}
		if len(p) == 0 {
			c.closeWith(nil)
			return
		}
		c.lastActive = time.Now()
		c.srv.stats.Bytes.WithLabelValues("rx").Add(float64(len(p)))
		_, _ = c.rx.Write(p)
		if err := c.parse(); err != nil {
			return
		}
	}
}

func (c *Conn) parse() error {
	buf := c.rx.Peek(c.rx.Len())
	rx := c.srv.stats.Messages.WithLabelValues("rx")
	n, err := c.srv.parser.Parse(buf, func(m protocol.Message) error {
		rx.Inc()
		c.srv.h.OnMessage(c, m.API, m.Payload)
		if c.closed {
			return errStopParse
		}
		return nil
	})
	c.rx.Discard(n)
	if err != nil && !errors.Is(err, errStopParse) {
		c.srv.log.Warning().Err(err).Uint64("conn", c.ID).Log("server: bad frame")
		c.closeWith(err)
	}
	return err
}

func (c *Conn) enqueue(frame []byte) {
	c.wq.Add(frame)
	if !c.writing {
		c.flush()
	}
}

// flush 尽量写出队列；写不完时注册 Writable，写完后撤销
func (c *Conn) flush() {
	tx := c.srv.stats.Bytes.WithLabelValues("tx")
	for c.wq.Length() > 0 {
		b := c.wq.Peek().([]byte)[c.wpos:]
		n, err := c.sock.Send(b)
		tx.Add(float64(n))
		if err != nil {
			if nbsock.IsWouldBlock(err) {
				break
			}
			c.closeWith(err)
			return
		}
		if n < len(b) {
			c.wpos += n
			break
		}
		c.wq.Remove()
		c.wpos = 0
	}
	if c.closed {
		return
	}
	if want := c.wq.Length() > 0; want != c.writing {
		if err := c.arm(want); err != nil {
			c.closeWith(err)
		}
	}
}

func (c *Conn) closeWith(err error) {
	if c.closed {
		return
	}
	c.closed = true
	s := c.srv
	_ = s.loop.Unregister(gloop.ID(c.fd))
	c.tx.cancel(c)
	_ = c.sock.Close()
	delete(s.conns, c.fd)
	s.stats.Connections.Dec()
	s.stats.Closed.WithLabelValues(closeReason(err)).Inc()
	s.log.Debug().
		Uint64("conn", c.ID).
		Err(err).
		Log("server: connection closed")
	s.h.OnClose(c, err)
}
