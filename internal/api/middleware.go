// internal/api/middleware.go
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/Formamorph/internal/utils"
)

// RateLimiter 固定窗口限流，按 key 计数
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// Visitor 一个 key 在当前窗口内的配额
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter 创建限流器并启动过期清理
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop(10 * time.Minute)
	return rl
}

// Stop 停止清理协程
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup 移除窗口已过期的 key
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, v := range rl.visitors {
		if now.After(v.Reset) {
			delete(rl.visitors, key)
		}
	}
}

// Allow 消耗一次配额，返回是否放行以及当前配额状态
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, Visitor) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[key]
	if !exists || now.After(v.Reset) {
		v = &Visitor{Limit: limit, Remaining: limit - 1, Reset: now.Add(window)}
		rl.visitors[key] = v
		return true, *v
	}
	if v.Remaining <= 0 {
		return false, *v
	}
	v.Remaining--
	return true, *v
}

// Middleware 按 keyFunc 限流。limit<=0 时不限流。
func (rl *RateLimiter) Middleware(limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		ok, v := rl.Allow(keyFunc(c), limit, window)
		c.Header("X-RateLimit-Limit", strconv.Itoa(v.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(v.Remaining, 0)))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(v.Reset.Unix(), 10))

		if !ok {
			NewResponseHelper().Error(c, http.StatusTooManyRequests, ErrorRateLimited, "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// ByIP 按客户端 IP 限流
func (rl *RateLimiter) ByIP(limit int, window time.Duration) gin.HandlerFunc {
	return rl.Middleware(limit, window, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// metricsMiddleware 记录每个路由的请求数和耗时
func metricsMiddleware(metrics *utils.GameMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// corsMiddleware 跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
