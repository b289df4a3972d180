// Package nbsock 把一个非阻塞 fd 包装成带接收缓冲的 socket。
//
// 接收路径会预读并缓存多余的数据，按分隔符读取时跨多次底层读也不会丢字节。
// 写入不做缓冲：Send 只尝试一次并返回实际写出的字节数，由调用方维护剩余部分
// （通常配合 gloop 的 Writable 事件）。*Error 记录出错前已发送 / 已接收的字节数，方便续传。
//
// 名字带 Sync 的方法把 would-block 转成带退避的睡眠重试，在非阻塞 fd 上提供阻塞式调用，
// 不能在 reactor 回调里使用。
package nbsock
