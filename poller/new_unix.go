//go:build linux || darwin

package poller

// New 创建指定类型的后端。KindAuto 先探测就绪集合后端，失败时退回 select。
func New(kind Kind) (Poller, error) {
	switch kind {
	case KindSelect:
		return newSelectPoller(), nil
	case KindSet:
		return newSetPoller()
	case KindAuto:
		if p, err := newSetPoller(); err == nil {
			return p, nil
		}
		return newSelectPoller(), nil
	}
	return nil, ErrUnknownKind
}
