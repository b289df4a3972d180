package gloop

import (
	"strings"
	"time"
)

// Mask 是事件兴趣 / 触发位集合
type Mask uint8

const (
	Readable Mask = 1 << iota
	Writable
	Timer
	// Persist 触发后保持注册；否则触发一次即移除
	Persist

	maskAll = Readable | Writable | Timer | Persist
)

func (m Mask) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	for _, f := range [...]struct {
		m    Mask
		name string
	}{{Readable, "READABLE"}, {Writable, "WRITABLE"}, {Timer, "TIMER"}, {Persist, "PERSIST"}} {
		if m&f.m != 0 {
			parts = append(parts, f.name)
		}
	}
	if m&^maskAll != 0 {
		parts = append(parts, "INVALID")
	}
	return strings.Join(parts, "|")
}

// ID 标识一个已注册事件：fd 事件为 fd 本身，纯定时器事件为负数
type ID int

// NoDescriptor 表示事件不关联 fd（纯定时器）
const NoDescriptor = -1

type event struct {
	fd     int
	cb     Callback
	mask   Mask
	period time.Duration
	expiry time.Time
	// alive=false 为墓碑，等待下一次合并时清除，永不分发
	alive bool
	// 最近一次分发所在的轮次
	cycle uint64
}

func (e *event) hasTimer() bool { return e.mask&Timer != 0 }

func (e *event) expired(now time.Time) bool {
	return e.hasTimer() && !now.Before(e.expiry)
}

func (e *event) interest() Mask { return e.mask & (Readable | Writable) }
