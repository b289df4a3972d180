package server

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrConnClosed    = errors.New("server: connection closed")
	ErrIdleTimeout   = errors.New("server: idle timeout")
	ErrServerStopped = errors.New("server: stopped")
	ErrRxOverflow    = errors.New("server: rx ring overflow")
	ErrStarted       = errors.New("server: already started")
)

// Handler 的所有方法都在驱动 loop 的 goroutine 中同步调用
type Handler interface {
	OnOpen(c *Conn)
	// msg 引用连接的接收缓冲，回调返回后失效，需要保留时自行复制
	OnMessage(c *Conn, api uint16, msg []byte)
	// err 为 nil 表示对端正常关闭
	OnClose(c *Conn, err error)
}

type Config struct {
	Network   string
	Address   string
	ReusePort bool

	// 每连接接收环形缓冲大小，向上取整到 2 的幂，须大于单帧
	RxRingSize int
	// 单次底层读大小
	ReadSize   int
	MaxPayload int
	// 单条消息不小于该值时压缩，0 不压缩
	CompressThreshold int

	// 发送合批窗口，0 表示每条消息立即写出
	TxBatchWindow time.Duration
	// 合批累计字节达到该值时不等窗口立即写出
	TxBatchBytes int
	// 连接空闲超过该时长即关闭，0 表示不检测
	IdleTimeout time.Duration

	Logger *logiface.Logger[logiface.Event]
	// 非 nil 时把服务端指标注册到这里
	Registerer prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		Network:           "tcp",
		Address:           ":18888",
		RxRingSize:        64 << 10,
		ReadSize:          16 << 10,
		MaxPayload:        32 << 10,
		CompressThreshold: 4 << 10,
		TxBatchBytes:      16 << 10,
	}
}

func (c *Config) normalize() error {
	d := DefaultConfig()
	if c.Network == "" {
		c.Network = d.Network
	}
	if c.RxRingSize <= 0 {
		c.RxRingSize = d.RxRingSize
	}
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.TxBatchBytes <= 0 {
		c.TxBatchBytes = d.TxBatchBytes
	}
	// 最大帧（4B 头 + 2B api + 帧体）必须放得进接收缓冲
	if c.MaxPayload+6 > c.RxRingSize {
		return errors.New("server: MaxPayload does not fit in RxRingSize")
	}
	return nil
}
