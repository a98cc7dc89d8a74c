// Package keylock 提供按键互斥锁，用于把针对同一条记录的状态变更
// 串行化，而不阻塞其他记录上的操作。
package keylock

import "sync"

// Locker 按键分配互斥锁。零值不可用，必须经 New 构造。
type Locker[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New 创建一个 Locker。
func New[K comparable]() *Locker[K] {
	return &Locker[K]{locks: make(map[K]*entry)}
}

// Lock 获取 key 对应的锁，返回解锁函数。锁在无人持有或等待时回收，
// 长期运行不会累积条目。
func (l *Locker[K]) Lock(key K) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
