//go:build linux || darwin

package server

import (
	"errors"
	"net"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/gloop"
	"github.com/legamerdc/gloop/internal/netutil"
	"github.com/legamerdc/gloop/nbsock"
	"github.com/legamerdc/gloop/protocol"
)

// Server 是跑在单个 gloop.Loop 上的帧协议服务端。
// 除 New 外的方法都必须在驱动 loop 的 goroutine 中调用（例如在回调或 Once 定时器里）。
type Server struct {
	loop   *gloop.Loop
	cfg    Config
	h      Handler
	log    *logiface.Logger[logiface.Event]
	enc    protocol.Encoder
	parser protocol.Parser
	stats  *Metrics

	lfd    int
	addr   *net.TCPAddr
	conns  map[int]*Conn
	nextID uint64
}

func New(loop *gloop.Loop, cfg Config, h Handler) (*Server, error) {
	if loop == nil || h == nil {
		return nil, errors.New("server: nil loop or handler")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Server{
		loop:   loop,
		cfg:    cfg,
		h:      h,
		log:    cfg.Logger,
		enc:    protocol.Encoder{CompressThreshold: cfg.CompressThreshold},
		parser: protocol.Parser{MaxPayload: cfg.MaxPayload},
		stats:  newMetrics(cfg.Registerer),
		lfd:    -1,
		conns:  make(map[int]*Conn),
	}, nil
}

// Start 打开监听并以 Readable|Persist 注册到 loop
func (s *Server) Start() error {
	if s.lfd >= 0 {
		return ErrStarted
	}
	lfd, err := netutil.Listen(s.cfg.Network, s.cfg.Address, s.cfg.ReusePort)
	if err != nil {
		return err
	}
	addr, err := netutil.LocalAddr(lfd)
	if err != nil {
		unix.Close(lfd)
		return err
	}
	if _, err := s.loop.Register(lfd, s.onAccept, gloop.Readable|gloop.Persist, 0); err != nil {
		unix.Close(lfd)
		return err
	}
	s.lfd, s.addr = lfd, addr
	s.log.Info().Stringer("addr", addr).Log("server: listening")
	return nil
}

// Addr 返回实际监听地址（Address 端口为 0 时可据此获得端口）
func (s *Server) Addr() net.Addr { return s.addr }

func (s *Server) Metrics() *Metrics { return s.stats }

// Len 返回当前连接数
func (s *Server) Len() int { return len(s.conns) }

// Stop 注销监听并关闭全部连接，之后 loop 上不再有本服务的事件
func (s *Server) Stop() error {
	if s.lfd < 0 {
		return nil
	}
	_ = s.loop.Unregister(gloop.ID(s.lfd))
	err := unix.Close(s.lfd)
	s.lfd = -1
	for _, c := range s.conns {
		c.closeWith(ErrServerStopped)
	}
	s.log.Info().Log("server: stopped")
	return err
}

func (s *Server) onAccept(_ gloop.Mask, _ *gloop.Loop) {
	for {
		fd, raddr, err := netutil.Accept(s.lfd)
		if err != nil {
			if err != unix.EAGAIN && err != unix.ECONNABORTED {
				s.log.Err().Err(err).Log("server: accept")
			}
			return
		}
		if err := s.open(fd, raddr); err != nil {
			s.log.Warning().Err(err).Int("fd", fd).Log("server: open connection")
			unix.Close(fd)
		}
	}
}

func (s *Server) open(fd int, raddr *net.TCPAddr) error {
	sock, err := nbsock.New(nbsock.FD(fd), nbsock.WithReadSize(s.cfg.ReadSize))
	if err != nil {
		return err
	}
	s.nextID++
	c := newConn(s, s.nextID, fd, sock, raddr)
	if err := c.arm(false); err != nil {
		return err
	}
	s.conns[fd] = c
	s.stats.Accepted.Inc()
	s.stats.Connections.Inc()
	s.log.Debug().
		Uint64("conn", c.ID).
		Int("fd", fd).
		Stringer("remote", raddr).
		Log("server: connection open")
	s.h.OnOpen(c)
	return nil
}
