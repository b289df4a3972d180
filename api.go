package gloop

import (
	"time"

	"github.com/joeycumines/logiface"

	"github.com/legamerdc/gloop/poller"
)

// DefaultTimeout 是没有任何定时器时每次等待的上限
const DefaultTimeout = 5 * time.Second

type options struct {
	logger         *logiface.Logger[logiface.Event]
	backend        poller.Kind
	defaultTimeout time.Duration
}

// Option 配置 Loop
type Option func(*options)

// WithLogger 注入结构化日志；nil 表示不输出
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(o *options) { o.logger = logger }
}

// WithBackend 指定就绪后端，默认 poller.KindAuto（构造时探测一次，之后固定）
func WithBackend(kind poller.Kind) Option {
	return func(o *options) { o.backend = kind }
}

// WithDefaultTimeout 设置没有定时器时的等待上限，须为正
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

func resolveOptions(opts []Option) options {
	o := options{
		backend:        poller.KindAuto,
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
