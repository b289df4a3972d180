//go:build linux || darwin

// Package client 是帧协议的同步客户端，建立在 nbsock 的 Sync 接口之上，
// 每个调用都阻塞到完成或 ctx 结束。不是并发安全的。
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/legamerdc/gloop/nbsock"
	"github.com/legamerdc/gloop/protocol"
)

type Client struct {
	sock   *nbsock.Socket
	enc    protocol.Encoder
	parser protocol.Parser
	// 批量帧解出的、尚未被 Read 取走的消息
	pending []protocol.Message
}

type Option func(*Client)

// WithCompressThreshold 单条消息不小于 n 字节时压缩
func WithCompressThreshold(n int) Option {
	return func(c *Client) { c.enc.CompressThreshold = n }
}

// WithMaxPayload 限制接收帧体长度
func WithMaxPayload(n int) Option {
	return func(c *Client) { c.parser.MaxPayload = n }
}

func Dial(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("client: %T has no descriptor", conn)
	}
	fd, err := nbsock.FromConn(sc)
	if err != nil {
		return nil, err
	}
	return New(fd, opts...)
}

// New 在已连接的描述符上创建客户端，接管 d
func New(d nbsock.Descriptor, opts ...Option) (*Client, error) {
	sock, err := nbsock.New(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	c := &Client{sock: sock}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Write 发送一条消息，写完才返回
func (c *Client) Write(ctx context.Context, api uint16, msg []byte) error {
	frame, err := c.enc.AppendSingle(nil, api, msg)
	if err != nil {
		return err
	}
	return c.sock.SendAllSync(ctx, frame)
}

// Read 读取下一条消息；批量帧被拆开逐条返回。对端在帧边界关闭时返回 io.EOF。
func (c *Client) Read(ctx context.Context) (uint16, []byte, error) {
	if len(c.pending) == 0 {
		if err := c.readFrame(ctx); err != nil {
			return 0, nil, err
		}
	}
	m := c.pending[0]
	c.pending[0] = protocol.Message{}
	c.pending = c.pending[1:]
	return m.API, m.Payload, nil
}

func (c *Client) readFrame(ctx context.Context) error {
	frame, err := c.recvN(ctx, protocol.ShortHeaderLen, io.EOF)
	if err != nil {
		return err
	}
	size, _ := protocol.HeaderSize(frame)
	if size > len(frame) {
		more, err := c.recvN(ctx, size-len(frame), io.ErrUnexpectedEOF)
		if err != nil {
			return err
		}
		frame = append(frame, more...)
	}
	h, _, err := protocol.ParseHeader(frame)
	if err != nil {
		return err
	}
	if limit := c.parser.MaxPayload; limit > 0 && h.Len > limit {
		return fmt.Errorf("%w: %d", protocol.ErrFrameTooLarge, h.Len)
	}
	body, err := c.recvN(ctx, h.FrameLen()-size, io.ErrUnexpectedEOF)
	if err != nil {
		return err
	}
	frame = append(frame, body...)
	return protocol.DecodeFrame(frame, func(m protocol.Message) error {
		c.pending = append(c.pending, m)
		return nil
	})
}

// recvN 读满 n 字节；一个字节都没读到就关闭时返回 atEOF
func (c *Client) recvN(ctx context.Context, n int, atEOF error) ([]byte, error) {
	p, err := c.sock.RecvN(ctx, n)
	if err != nil {
		return nil, err
	}
	switch {
	case len(p) == n:
		return p, nil
	case len(p) == 0:
		return nil, atEOF
	default:
		return nil, io.ErrUnexpectedEOF
	}
}

func (c *Client) Close() error { return c.sock.Close() }
