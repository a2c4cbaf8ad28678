// internal/storage/file_storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/Formamorph/internal/utils"
)

const fileExt = ".json"

// FileStorage 每条记录一个 JSON 文件，写入先落临时文件再 rename
type FileStorage struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // path -> *sync.RWMutex

	// 简单读缓存
	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	stop     chan struct{}
	stopOnce sync.Once
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileStorage 创建文件存储
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	fs := &FileStorage{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
		stop:         make(chan struct{}),
	}
	fs.startCacheCleanup()
	return fs, nil
}

// 名称转义后作为文件名，避免路径穿越
func (fs *FileStorage) pathFor(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("record name is required")
	}
	return filepath.Join(fs.BaseDir, url.PathEscape(name)+fileExt), nil
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// Put 原子写入
func (fs *FileStorage) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := fs.pathFor(name)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			utils.GetLogger().Warn("failed to clean up temporary file", map[string]interface{}{
				"path":  tempPath,
				"error": removeErr.Error(),
			})
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)
	return nil
}

// Get 读取记录，优先命中缓存
func (fs *FileStorage) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := fs.pathFor(name)
	if err != nil {
		return nil, err
	}

	if data, ok := fs.cached(fullPath); ok {
		return data, nil
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	// 双重检查缓存
	if data, ok := fs.cached(fullPath); ok {
		return data, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.updateCache(fullPath, content)
	return append([]byte(nil), content...), nil
}

// Delete 删除记录
func (fs *FileStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := fs.pathFor(name)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("删除文件失败: %w", err)
	}
	fs.invalidateCache(fullPath)
	return nil
}

// List 列出全部记录，按名称排序
func (fs *FileStorage) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, fileExt) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(fileName, fileExt))
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: name, Size: info.Size(), UpdatedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close 停止缓存清理
func (fs *FileStorage) Close() error {
	fs.stopOnce.Do(func() { close(fs.stop) })
	return nil
}

func (fs *FileStorage) cached(path string) ([]byte, bool) {
	fs.cacheMutex.RLock()
	defer fs.cacheMutex.RUnlock()
	entry, exists := fs.cache[path]
	if !exists || time.Since(entry.Timestamp) >= fs.cacheExpiry {
		return nil, false
	}
	return append([]byte(nil), entry.Data...), true
}

func (fs *FileStorage) updateCache(path string, data []byte) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &CacheEntry{
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
	}
	fs.enforceMaxCacheSizeLocked()
}

func (fs *FileStorage) startCacheCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fs.cleanupExpiredCache()
			case <-fs.stop:
				return
			}
		}
	}()
}

func (fs *FileStorage) cleanupExpiredCache() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	now := time.Now()
	for path, entry := range fs.cache {
		if now.Sub(entry.Timestamp) > fs.cacheExpiry {
			delete(fs.cache, path)
		}
	}
}

// enforceMaxCacheSizeLocked 超出上限时删除最旧的条目
func (fs *FileStorage) enforceMaxCacheSizeLocked() {
	excess := len(fs.cache) - fs.maxCacheSize
	if excess <= 0 {
		return
	}

	type keyed struct {
		key       string
		timestamp time.Time
	}
	entries := make([]keyed, 0, len(fs.cache))
	for key, entry := range fs.cache {
		entries = append(entries, keyed{key: key, timestamp: entry.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})
	for i := 0; i < excess; i++ {
		delete(fs.cache, entries[i].key)
	}
}

func (fs *FileStorage) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()
	delete(fs.cache, path)
}
