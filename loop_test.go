//go:build linux || darwin

package gloop

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/gloop/poller"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, l *Loop)) {
	for _, kind := range []poller.Kind{poller.KindSelect, poller.KindSet} {
		t.Run(kind.String(), func(t *testing.T) {
			l, err := New(WithBackend(kind))
			require.NoError(t, err)
			defer l.Close()
			fn(t, l)
		})
	}
}

func testSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func runWithin(t *testing.T, l *Loop, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, l.Run(ctx))
}

func nop(Mask, *Loop) {}

func TestRegister_Validation(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Register(NoDescriptor, nop, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidMask)
	_, err = l.Register(NoDescriptor, nop, Timer|0x10, time.Second)
	assert.ErrorIs(t, err, ErrInvalidMask)
	_, err = l.Register(NoDescriptor, nil, Timer, time.Second)
	assert.ErrorIs(t, err, ErrInvalidMask)
	_, err = l.Register(NoDescriptor, nop, Timer, 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
	_, err = l.Once(nop, -time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
	_, err = l.Periodic(nop, 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	// 校验失败不留下任何事件
	assert.Zero(t, l.Len())
	runWithin(t, l, time.Second)
}

func TestNew_Options(t *testing.T) {
	_, err := New(WithDefaultTimeout(0))
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	l, err := New(WithBackend(poller.KindSelect), nil)
	require.NoError(t, err)
	assert.Equal(t, "select", l.Backend())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Once(nop, time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrClosed)

	l, err = New()
	require.NoError(t, err)
	defer l.Close()
	assert.Contains(t, []string{"epoll", "kqueue", "select"}, l.Backend())
}

func TestOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var calls []Mask
		start := time.Now()
		_, err := l.Once(func(fired Mask, _ *Loop) {
			calls = append(calls, fired)
		}, 50*time.Millisecond)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		assert.Equal(t, []Mask{Timer}, calls)
		assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
		assert.Zero(t, l.Len())
	})
}

func TestPeriodic_StopsAfterUnregister(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var ticks, ticksAtStop int
		pid, err := l.Periodic(func(fired Mask, _ *Loop) {
			assert.Equal(t, Timer, fired)
			ticks++
		}, 20*time.Millisecond)
		require.NoError(t, err)

		_, err = l.Once(func(_ Mask, l *Loop) {
			require.NoError(t, l.Unregister(pid))
			ticksAtStop = ticks
		}, 150*time.Millisecond)
		require.NoError(t, err)

		// 注销后 loop 仍继续运行一段时间
		_, err = l.Once(nop, 300*time.Millisecond)
		require.NoError(t, err)

		runWithin(t, l, 3*time.Second)
		assert.GreaterOrEqual(t, ticksAtStop, 3)
		assert.Equal(t, ticksAtStop, ticks)
	})
}

func TestUnregister_PendingNeverFires(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		fired := false
		id, err := l.Once(func(Mask, *Loop) { fired = true }, time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, l.Unregister(id))
		assert.ErrorIs(t, l.Unregister(id), ErrUnknownIdentifier)

		time.Sleep(5 * time.Millisecond)
		runWithin(t, l, time.Second)
		assert.False(t, fired)
	})
}

func TestUnregister_Unknown(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()
	assert.ErrorIs(t, l.Unregister(7), ErrUnknownIdentifier)
	assert.ErrorIs(t, l.Unregister(-3), ErrUnknownIdentifier)
}

func TestTimerIdentifiers(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	a, err := l.Once(nop, time.Second)
	require.NoError(t, err)
	b, err := l.Periodic(nop, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ID(-1), a)
	assert.Equal(t, ID(-2), b)

	require.NoError(t, l.Unregister(a))
	c, err := l.Once(nop, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ID(-1), c, "released index is reused")

	// 纯定时器标识从不为 0，不会与 fd 0 冲突
	ok, err := l.timerIDs.IsSet(0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegister_DescriptorInUse(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()
	a, _ := testSocketpair(t)

	id, err := l.Register(a, nop, Readable, 0)
	require.NoError(t, err)
	assert.Equal(t, ID(a), id)
	_, err = l.Register(a, nop, Writable, 0)
	assert.ErrorIs(t, err, ErrDescriptorInUse)

	require.NoError(t, l.Unregister(id))
	_, err = l.Register(a, nop, Writable, 0)
	require.NoError(t, err)
}

func TestReadable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		a, b := testSocketpair(t)
		var got []byte
		var masks []Mask
		_, err := l.Register(a, func(fired Mask, l *Loop) {
			masks = append(masks, fired)
			buf := make([]byte, 16)
			n, err := unix.Read(a, buf)
			require.NoError(t, err)
			got = append(got, buf[:n]...)
			require.NoError(t, l.Unregister(ID(a)))
		}, Readable|Persist, 0)
		require.NoError(t, err)

		_, err = unix.Write(b, []byte("ping"))
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		assert.Equal(t, []Mask{Readable}, masks)
		assert.Equal(t, "ping", string(got))
	})
}

func TestWritable_OneShot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		a, _ := testSocketpair(t)
		var masks []Mask
		_, err := l.Register(a, func(fired Mask, _ *Loop) {
			masks = append(masks, fired)
		}, Readable|Writable, 0)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		// 一次性事件至多触发一次
		require.Len(t, masks, 1)
		assert.Equal(t, Writable, masks[0])
	})
}

func TestOneShot_RearmInCallback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		a, _ := testSocketpair(t)
		calls := 0
		var cb Callback
		cb = func(fired Mask, l *Loop) {
			calls++
			if calls < 3 {
				_, err := l.Register(a, cb, Writable, 0)
				require.NoError(t, err)
			}
		}
		_, err := l.Register(a, cb, Writable, 0)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		assert.Equal(t, 3, calls)
	})
}

func TestDescriptorTimer_FiresWithoutReadiness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		a, _ := testSocketpair(t)
		var masks []Mask
		_, err := l.Register(a, func(fired Mask, _ *Loop) {
			masks = append(masks, fired)
		}, Readable|Timer, 30*time.Millisecond)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		assert.Equal(t, []Mask{Timer}, masks)
	})
}

func TestDescriptorTimer_Persistent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		a, b := testSocketpair(t)
		var timers, reads int
		_, err := l.Register(a, func(fired Mask, l *Loop) {
			if fired&Timer != 0 {
				timers++
			}
			if fired&Readable != 0 {
				reads++
				buf := make([]byte, 8)
				_, _ = unix.Read(a, buf)
			}
			if timers >= 2 && reads >= 1 {
				require.NoError(t, l.Unregister(ID(a)))
			}
		}, Readable|Timer|Persist, 20*time.Millisecond)
		require.NoError(t, err)

		_, err = l.Once(func(Mask, *Loop) {
			_, err := unix.Write(b, []byte("x"))
			require.NoError(t, err)
		}, 5*time.Millisecond)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		assert.GreaterOrEqual(t, timers, 2)
		assert.Equal(t, 1, reads)
	})
}

func TestUnregister_SelfAndSibling(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		calls := 0
		var a, b ID
		cb := func(Mask, *Loop) {
			calls++
			require.NoError(t, l.Unregister(a))
			require.NoError(t, l.Unregister(b))
		}
		var err error
		a, err = l.Periodic(cb, 10*time.Millisecond)
		require.NoError(t, err)
		b, err = l.Periodic(cb, 10*time.Millisecond)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		assert.Equal(t, 1, calls)
		assert.Zero(t, l.Len())
	})
}

func TestUnregister_ClosedDuplicateDoesNotLeak(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		a, peer := fds[0], fds[1]
		// 与 nbsock.FromConn 相同：另一个 fd 让底层文件在 a 关闭后继续存活
		dup, err := unix.Dup(a)
		require.NoError(t, err)
		t.Cleanup(func() {
			unix.Close(dup)
			unix.Close(peer)
		})
		_, err = unix.Write(peer, []byte("x"))
		require.NoError(t, err)

		spurious := 0
		reused := -1
		_, err = l.Register(a, func(_ Mask, l *Loop) {
			_, _ = unix.Read(a, make([]byte, 1))
			require.NoError(t, l.Unregister(ID(a)))
			require.NoError(t, unix.Close(a))

			c, _ := testSocketpair(t)
			reused = c
			_, err := l.Register(c, func(Mask, *Loop) { spurious++ }, Readable|Persist, 0)
			require.NoError(t, err)
			_, err = unix.Write(peer, []byte("y"))
			require.NoError(t, err)
			_, err = l.Once(func(_ Mask, l *Loop) {
				require.NoError(t, l.Unregister(ID(c)))
			}, 50*time.Millisecond)
			require.NoError(t, err)
		}, Readable|Persist, 0)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		require.NotEqual(t, -1, reused)
		assert.Zero(t, spurious, "fd %d (old %d) has no data", reused, a)
		assert.Less(t, l.cycle, uint64(50), "loop must block while nothing is ready")
	})
}

func TestRegister_InsideCallbackIsDeferred(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var outerCycle, innerCycle uint64
		_, err := l.Once(func(_ Mask, l *Loop) {
			outerCycle = l.cycle
			_, err := l.Once(func(_ Mask, l *Loop) {
				innerCycle = l.cycle
			}, time.Nanosecond)
			require.NoError(t, err)
			// 新事件只在 pending 中
			assert.Len(t, l.pending, 1)
		}, 5*time.Millisecond)
		require.NoError(t, err)

		runWithin(t, l, 2*time.Second)
		require.NotZero(t, outerCycle)
		assert.Greater(t, innerCycle, outerCycle)
	})
}

func TestRun_ReentrantAndClose(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Once(func(_ Mask, l *Loop) {
		assert.ErrorIs(t, l.Run(context.Background()), ErrRunning)
		assert.ErrorIs(t, l.Close(), ErrRunning)
	}, time.Millisecond)
	require.NoError(t, err)
	runWithin(t, l, time.Second)
}

func TestRun_ContextCanceled(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := 0
	_, err = l.Periodic(func(Mask, *Loop) {
		ticks++
		if ticks == 3 {
			cancel()
		}
	}, 5*time.Millisecond)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Equal(t, 3, ticks)
	// 取消后事件仍在，可以再次 Run
	assert.Equal(t, 1, l.Len())
}

func TestMinTimeout_Bookkeeping(t *testing.T) {
	l, err := New(WithDefaultTimeout(time.Second))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, time.Second, l.minTimeout)

	slow, err := l.Periodic(nop, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, l.minTimeout)

	fast, err := l.Once(nop, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, l.minTimeout)

	// 放宽时不急于重算，只置 stale
	l.merge()
	require.NoError(t, l.Unregister(fast))
	assert.True(t, l.stale)
	assert.Equal(t, 30*time.Millisecond, l.minTimeout)

	// 重算覆盖 active 中的定时器
	l.resetMinTimeout()
	assert.False(t, l.stale)
	assert.Equal(t, 100*time.Millisecond, l.minTimeout)

	require.NoError(t, l.Unregister(slow))
	l.resetMinTimeout()
	assert.Equal(t, time.Second, l.minTimeout)
}

func TestRun_ReturnsWhenEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		start := time.Now()
		runWithin(t, l, time.Second)
		assert.Less(t, time.Since(start), 100*time.Millisecond)

		_, err := l.Once(nop, time.Millisecond)
		require.NoError(t, err)
		runWithin(t, l, time.Second)
		assert.Zero(t, l.Len())
		assert.Empty(t, l.active)
		assert.Empty(t, l.pending)
	})
}

func TestRun_BackendErrorPropagates(t *testing.T) {
	l, err := New(WithBackend(poller.KindSelect))
	require.NoError(t, err)
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	unix.Close(fds[1])
	_, err = l.Register(fds[0], nop, Readable|Persist, 0)
	require.NoError(t, err)
	// 注册后关闭 fd 而不注销：select 报 EBADF
	require.NoError(t, unix.Close(fds[0]))

	assert.ErrorIs(t, l.Run(context.Background()), unix.EBADF)
}

func TestMask_String(t *testing.T) {
	assert.Equal(t, "NONE", Mask(0).String())
	assert.Equal(t, "READABLE|TIMER", (Readable | Timer).String())
	assert.Equal(t, "WRITABLE|PERSIST|INVALID", (Writable | Persist | 0x40).String())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()

	l, err := New(WithLogger(logger))
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Once(nop, time.Millisecond)
	require.NoError(t, err)
	runWithin(t, l, time.Second)

	out := buf.String()
	assert.Contains(t, out, `gloop: loop created`)
	assert.Contains(t, out, `gloop: register`)
	assert.Contains(t, out, `gloop: dispatch`)
}
