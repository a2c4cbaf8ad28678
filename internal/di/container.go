// internal/di/container.go
package di

import (
	"sort"
	"sync"
)

// 服务名称
const (
	ServiceConfig  = "config"
	ServiceLLM     = "llm"
	ServiceWorlds  = "worlds"
	ServiceSaves   = "saves"
	ServiceGame    = "game"
	ServiceLocks   = "locks"
	ServiceMetrics = "metrics"
)

// Container 简单的依赖注入容器
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

var (
	globalContainer *Container
	once            sync.Once
)

// NewContainer 创建容器
func NewContainer() *Container {
	return &Container{services: make(map[string]interface{})}
}

// GetContainer 全局容器（单例）
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 注册服务实例，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services[name] = service
}

// Get 获取服务实例，不存在时返回 nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.services[name]
}

// Has 是否已注册
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, exists := c.services[name]
	return exists
}

// Remove 移除服务
func (c *Container) Remove(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.services, name)
}

// Clear 清空容器
func (c *Container) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services = make(map[string]interface{})
}

// GetNames 已注册的服务名称，按字母排序
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 取出指定类型的服务。未注册或类型不符时 ok 为 false。
func Resolve[T any](c *Container, name string) (T, bool) {
	service, ok := c.Get(name).(T)
	return service, ok
}

// ResolveOr 同 Resolve，失败时返回 fallback
func ResolveOr[T any](c *Container, name string, fallback T) T {
	if service, ok := Resolve[T](c, name); ok {
		return service
	}
	return fallback
}
