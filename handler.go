package gloop

// Callback 是事件回调，在驱动 loop 的 goroutine 中同步调用，要求无阻塞返回。
// fired 为本次触发的事件子集（Readable / Writable / Timer）。
// 回调内可以调用 Register / Unregister，新注册的事件从下一轮开始生效。
type Callback func(fired Mask, l *Loop)
