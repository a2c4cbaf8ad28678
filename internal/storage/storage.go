// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Entry 列表中的一条记录
type Entry struct {
	Name      string
	Size      int64
	UpdatedAt time.Time
}

// Store 按名称存取的键值存储，存档服务只依赖这个接口
type Store interface {
	// Get 读取记录；不存在时返回 ErrNotFound
	Get(ctx context.Context, name string) ([]byte, error)
	// Put 写入记录，同名覆盖
	Put(ctx context.Context, name string, data []byte) error
	// Delete 删除记录；不存在时返回 ErrNotFound
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}
