package services

import (
	"context"
	"sync"
)

// UserLocker serializes wallet-affecting work per user.
type UserLocker interface {
	// Lock blocks until the user's lock is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, userID int64) (func(), error)
}

// KeyedLocker is an in-process UserLocker. Entries are dropped when no goroutine holds
// or waits for them, so the map stays proportional to concurrent users.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[int64]*userLock)}
}

var _ UserLocker = (*KeyedLocker)(nil)

func (k *KeyedLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[userID]
	if !ok {
		l = &userLock{sem: make(chan struct{}, 1)}
		k.locks[userID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(userID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(userID, l)
		})
	}, nil
}

func (k *KeyedLocker) release(userID int64, l *userLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, userID)
	}
}

func (k *KeyedLocker) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
