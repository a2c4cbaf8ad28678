// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按名称分配读写锁，用于存档读写等跨会话操作
type LockManager struct {
	locks    map[string]*LockInfo
	mu       sync.Mutex
	maxLocks int
	idleTTL  time.Duration
	ticker   *time.Ticker
	stop     chan struct{}
	once     sync.Once
}

// LockInfo 锁和使用信息
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
	refs     int32 // 持有或等待中的调用数，非零时不会被清理
}

// NewLockManager 创建锁管理器并启动定期清理
func NewLockManager() *LockManager {
	lm := &LockManager{
		locks:    make(map[string]*LockInfo),
		maxLocks: 200,
		idleTTL:  30 * time.Minute,
		stop:     make(chan struct{}),
	}
	lm.startCleanup(5 * time.Minute)
	return lm
}

// acquire 取得（必要时创建）key 对应的锁并增加引用
func (lm *LockManager) acquire(key string) *LockInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	info, ok := lm.locks[key]
	if !ok {
		info = &LockInfo{Mutex: &sync.RWMutex{}}
		lm.locks[key] = info
	}
	info.refs++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	lm.mu.Lock()
	info.refs--
	info.LastUsed = time.Now()
	lm.mu.Unlock()
}

// Execute 在 key 的写锁下执行 fn
func (lm *LockManager) Execute(key string, fn func() error) error {
	info := lm.acquire(key)
	defer lm.release(info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()
	return fn()
}

// ExecuteRead 在 key 的读锁下执行 fn
func (lm *LockManager) ExecuteRead(key string, fn func() error) error {
	info := lm.acquire(key)
	defer lm.release(info)

	info.Mutex.RLock()
	defer info.Mutex.RUnlock()
	return fn()
}

// Len 当前登记的锁数量
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}

// Stop 停止清理协程
func (lm *LockManager) Stop() {
	lm.once.Do(func() {
		close(lm.stop)
		if lm.ticker != nil {
			lm.ticker.Stop()
		}
	})
}

func (lm *LockManager) startCleanup(every time.Duration) {
	lm.ticker = time.NewTicker(every)
	go func() {
		for {
			select {
			case <-lm.ticker.C:
				lm.cleanup(time.Now())
			case <-lm.stop:
				return
			}
		}
	}()
}

// cleanup 锁数量超过上限时移除空闲过久且无人引用的锁
func (lm *LockManager) cleanup(now time.Time) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.locks) <= lm.maxLocks {
		return 0
	}
	removed := 0
	for key, info := range lm.locks {
		if info.refs == 0 && now.Sub(info.LastUsed) > lm.idleTTL {
			delete(lm.locks, key)
			removed++
		}
	}
	return removed
}
