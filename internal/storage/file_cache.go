// internal/storage/file_cache.go
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileCache 解析结果的内存缓存，文件修改或过期后重新读取
type FileCache[T any] struct {
	cache      map[string]*fileCacheEntry[T]
	mutex      sync.Mutex
	maxSize    int           // 最大缓存条目数
	expiration time.Duration // 缓存过期时间
}

type fileCacheEntry[T any] struct {
	value     T
	createdAt time.Time
	lastRead  time.Time
	modTime   time.Time
	size      int64
}

// NewFileCache 创建文件缓存
func NewFileCache[T any](maxSize int, expiration time.Duration) *FileCache[T] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if expiration <= 0 {
		expiration = 5 * time.Minute
	}
	return &FileCache[T]{
		cache:      make(map[string]*fileCacheEntry[T]),
		maxSize:    maxSize,
		expiration: expiration,
	}
}

// Load 读取并解析文件。命中缓存时不调用 decode。
func (c *FileCache[T]) Load(path string, decode func([]byte) (T, error)) (T, error) {
	var zero T
	absPath, err := filepath.Abs(path)
	if err != nil {
		return zero, fmt.Errorf("获取文件绝对路径失败: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return zero, err
	}

	c.mutex.Lock()
	if entry, ok := c.cache[absPath]; ok {
		modified := info.ModTime().After(entry.modTime) || info.Size() != entry.size
		expired := time.Since(entry.createdAt) > c.expiration
		if !modified && !expired {
			entry.lastRead = time.Now()
			c.mutex.Unlock()
			return entry.value, nil
		}
	}
	c.mutex.Unlock()

	data, err := os.ReadFile(absPath)
	if err != nil {
		return zero, fmt.Errorf("读取文件失败: %w", err)
	}
	value, err := decode(data)
	if err != nil {
		return zero, err
	}

	now := time.Now()
	c.mutex.Lock()
	c.cache[absPath] = &fileCacheEntry[T]{
		value:     value,
		createdAt: now,
		lastRead:  now,
		modTime:   info.ModTime(),
		size:      info.Size(),
	}
	if len(c.cache) > c.maxSize {
		c.cleanupLRU(max(1, c.maxSize/5))
	}
	c.mutex.Unlock()

	return value, nil
}

// Delete 从缓存中删除条目
func (c *FileCache[T]) Delete(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	c.mutex.Lock()
	delete(c.cache, absPath)
	c.mutex.Unlock()
}

// Len 缓存条目数
func (c *FileCache[T]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.cache)
}

// 清理最少使用的条目
func (c *FileCache[T]) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.lastRead})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(c.cache, entries[i].key)
	}
}
