//go:build linux || darwin

package server

import (
	"github.com/legamerdc/gloop"
	"github.com/legamerdc/gloop/protocol"
)

// txBatch 在合批窗口内累积消息，窗口到期或字节数达到阈值时编码为一帧写出。
// 窗口由 loop 的一次性定时器驱动。
type txBatch struct {
	msgs  []protocol.Message
	bytes int
	timer gloop.ID
	armed bool
}

func (t *txBatch) add(c *Conn, api uint16, msg []byte) error {
	t.msgs = append(t.msgs, protocol.Message{API: api, Payload: append([]byte(nil), msg...)})
	t.bytes += len(msg)
	if t.bytes >= c.srv.cfg.TxBatchBytes {
		t.flush(c)
		return nil
	}
	if !t.armed {
		id, err := c.srv.loop.Once(func(gloop.Mask, *gloop.Loop) {
			t.armed = false
			t.flush(c)
		}, c.srv.cfg.TxBatchWindow)
		if err != nil {
			return err
		}
		t.timer, t.armed = id, true
	}
	return nil
}

func (t *txBatch) flush(c *Conn) {
	t.cancel(c)
	if len(t.msgs) == 0 || c.closed {
		return
	}
	var frame []byte
	var err error
	if len(t.msgs) == 1 {
		frame, err = c.srv.enc.AppendSingle(nil, t.msgs[0].API, t.msgs[0].Payload)
	} else {
		frame, err = c.srv.enc.AppendBatch(nil, t.msgs)
		c.srv.stats.TxFlushes.Inc()
	}
	c.srv.log.Trace().
		Uint64("conn", c.ID).
		Int("msgs", len(t.msgs)).
		Int("bytes", len(frame)).
		Log("server: tx flush")
	clear(t.msgs)
	t.msgs, t.bytes = t.msgs[:0], 0
	if err != nil {
		c.closeWith(err)
		return
	}
	c.enqueue(frame)
}

func (t *txBatch) cancel(c *Conn) {
	if t.armed {
		_ = c.srv.loop.Unregister(t.timer)
		t.armed = false
	}
}
