//go:build !linux && !darwin

package poller

// New 在非 linux / darwin 平台返回占位错误，保证编译通过
func New(kind Kind) (Poller, error) {
	_ = kind
	return nil, ErrPlatformNotSupported
}
