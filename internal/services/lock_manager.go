// internal/services/lock_manager.go
package services

import (
	"context"
	"sync"
	"time"
)

// LockManager 按键串行化的锁管理器。
// 每个键一把锁，没有持有者或等待者时立即回收，不需要后台清理。
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*LockInfo
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	sem            chan struct{}
	LastUsed       time.Time
	ReferenceCount int32 // 持有者 + 等待者数量，为0时从表中删除
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*LockInfo)}
}

func (lm *LockManager) retain(key string) *LockInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	info, exists := lm.locks[key]
	if !exists {
		info = &LockInfo{sem: make(chan struct{}, 1)}
		lm.locks[key] = info
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) release(key string, info *LockInfo) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	info.ReferenceCount--
	if info.ReferenceCount == 0 && lm.locks[key] == info {
		delete(lm.locks, key)
	}
}

// ExecuteWithLock 在键锁保护下执行操作；等待期间 ctx 取消则返回 ctx.Err()
func (lm *LockManager) ExecuteWithLock(ctx context.Context, key string, fn func() error) error {
	info := lm.retain(key)
	defer lm.release(key, info)

	select {
	case info.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-info.sem }()

	return fn()
}

// Size 当前存活的锁数量
func (lm *LockManager) Size() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}
