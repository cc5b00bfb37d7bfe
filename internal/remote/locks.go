package remote

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// TargetLocker serializes operations against a logical target (a site or a
// container's site). Independent targets proceed concurrently; operations on
// the same target queue in submission order.
type TargetLocker struct {
	locks *xsync.Map[string, *sync.Mutex]
}

// NewTargetLocker creates an empty locker.
func NewTargetLocker() *TargetLocker {
	return &TargetLocker{locks: xsync.NewMap[string, *sync.Mutex]()}
}

// Do runs fn while holding the lock for target.
func (l *TargetLocker) Do(target string, fn func() error) error {
	mu, _ := l.locks.LoadOrStore(target, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
