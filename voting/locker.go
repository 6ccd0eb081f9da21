package voting

import (
	"sync"
	"time"
)

// Locker 投票临界区使用的锁接口
// 生产环境由 cache.DistributedLockService（Redsync）实现，
// 单实例部署或测试时使用进程内的 LocalLocker
type Locker interface {
	WithLock(lockName string, expiry time.Duration, action func() error) error
}

// LocalLocker 进程内按键互斥锁
// 只串行化同名锁的调用，不相关的键互不影响
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

// WithLock 在指定键的锁内执行操作，expiry 在进程内模式下忽略
func (l *LocalLocker) WithLock(lockName string, _ time.Duration, action func() error) error {
	l.mu.Lock()
	m, ok := l.locks[lockName]
	if !ok {
		m = &sync.Mutex{}
		l.locks[lockName] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return action()
}
