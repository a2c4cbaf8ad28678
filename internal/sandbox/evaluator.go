// internal/sandbox/evaluator.go
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"

	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/utils"
)

const (
	// DefaultTimeout 单次求值的墙钟预算
	DefaultTimeout = time.Second
	// DefaultMaxCallStack JS 调用栈深度上限
	DefaultMaxCallStack = 256
	// DefaultMemoryLimit 单次求值允许的堆增长
	DefaultMemoryLimit uint64 = 64 << 20

	memoryPollInterval = 2 * time.Millisecond
	heapMetric         = "/memory/classes/heap/objects:bytes"

	msgTimedOut    = "Execution timed out"
	msgMemoryLimit = "Memory limit exceeded"
	msgNotNumber   = "Code must return a number"
)

var errMemoryLimit = errors.New("memory limit exceeded")

// Result 一次求值的结果。Value 为 nil 表示没有可用的新值。
type Result struct {
	Value   *float64
	Error   string
	Console string
}

// Failure 记录某个属性脚本的失败
type Failure struct {
	StatID models.ID
	Name   string
	Error  string
}

// Evaluator 在隔离的 goja 运行时中执行属性脚本。每次求值都创建新的运行时。
type Evaluator struct {
	timeout      time.Duration
	maxCallStack int
	memoryLimit  uint64
	seed         uint64
	now          time.Time
	logger       *utils.Logger
}

// Option 配置 Evaluator
type Option func(*Evaluator)

// WithTimeout 设置墙钟预算
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMemoryLimit 设置堆增长上限，0 表示不限制
func WithMemoryLimit(bytes uint64) Option {
	return func(e *Evaluator) { e.memoryLimit = bytes }
}

// WithSeed 设置 Math.random 的种子
func WithSeed(seed uint64) Option {
	return func(e *Evaluator) { e.seed = seed }
}

// WithClock 设置脚本中 Date 看到的固定时间
func WithClock(now time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithMaxCallStack 设置调用栈深度
func WithMaxCallStack(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxCallStack = n
		}
	}
}

// NewEvaluator 创建求值器
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		timeout:      DefaultTimeout,
		maxCallStack: DefaultMaxCallStack,
		memoryLimit:  DefaultMemoryLimit,
		seed:         1,
		now:          time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		logger:       utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate 以 stats 和 currentStatId 为输入执行脚本，结果钳制到目标属性的区间
func (e *Evaluator) Evaluate(ctx context.Context, code string, all []models.Stat, target models.Stat) (res Result) {
	if strings.TrimSpace(code) == "" {
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out := &consoleBuffer{}
	vm, err := e.newRuntime(out)
	if err != nil {
		return Result{Error: err.Error()}
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()
	defer e.watchMemory(vm)()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("%v", r), Console: out.String()}
		}
	}()

	value, err := run(vm, code, snapshot(all), target.ID.String())
	if err != nil {
		return Result{Error: describeError(err), Console: out.String()}
	}

	clamped := math.Min(math.Max(value, orDefault(target.Min, 0)), orDefault(target.Max, 100))
	return Result{Value: &clamped, Console: out.String()}
}

// ProcessStatCode 对所有带脚本的属性求值，成功的写回新值，失败的保留旧值。
// 所有脚本都看到同一份输入快照。
func (e *Evaluator) ProcessStatCode(ctx context.Context, stats []models.Stat) ([]models.Stat, []Failure) {
	out := models.CloneStats(stats)
	var failures []Failure

	for i, s := range stats {
		if !s.HasCode() {
			continue
		}
		res := e.Evaluate(ctx, s.Code, stats, s)
		if res.Console != "" {
			e.logger.Debug("stat code console output", map[string]interface{}{
				"stat":    s.Name,
				"console": strings.TrimSpace(res.Console),
			})
		}
		if res.Error != "" {
			e.logger.Warn("stat code failed", map[string]interface{}{
				"stat":  s.Name,
				"error": res.Error,
			})
			failures = append(failures, Failure{StatID: s.ID, Name: s.Name, Error: res.Error})
			continue
		}
		if res.Value != nil {
			out[i].Value = *res.Value
		}
	}
	return out, failures
}

func (e *Evaluator) newRuntime(out *consoleBuffer) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxCallStack)

	rng := rand.New(rand.NewPCG(e.seed, e.seed^0x9e3779b97f4a7c15))
	vm.SetRandSource(rng.Float64)
	frozen := e.now
	vm.SetTimeSource(func() time.Time { return frozen })

	// 只注册 console，文件加载一律拒绝
	registry := require.NewRegistry(require.WithLoader(func(string) ([]byte, error) {
		return nil, require.ModuleFileDoesNotExistError
	}))
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(out))
	registry.Enable(vm)
	console.Enable(vm)

	if err := vm.GlobalObject().Delete("require"); err != nil {
		return nil, err
	}
	return vm, nil
}

func run(vm *goja.Runtime, code string, stats []map[string]interface{}, currentStatID string) (float64, error) {
	src := "(function(stats, currentStatId) {\n" +
		"  var result = (function() {\n" + code + "\n  })();\n" +
		"  if (typeof result !== 'number' || result !== result) {\n" +
		"    throw new Error('" + msgNotNumber + "');\n" +
		"  }\n" +
		"  return result;\n" +
		"})"

	fnValue, err := vm.RunString(src)
	if err != nil {
		return 0, err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return 0, errors.New("stat code did not compile to a function")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(stats), vm.ToValue(currentStatID))
	if err != nil {
		return 0, err
	}
	return result.ToFloat(), nil
}

// watchMemory 采样进程堆占用，超过基线加上限时中断脚本。返回停止函数。
// 堆是全进程共享的，并发求值时增长会互相计入。
func (e *Evaluator) watchMemory(vm *goja.Runtime) func() {
	if e.memoryLimit == 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	baseline := heapBytes()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(memoryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if used := heapBytes(); used > baseline && used-baseline > e.memoryLimit {
					vm.Interrupt(errMemoryLimit)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

func describeError(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, errMemoryLimit) {
			return msgMemoryLimit
		}
		return msgTimedOut
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		if obj, ok := exception.Value().(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return msg.String()
			}
		}
		return exception.Value().String()
	}
	return err.Error()
}

// snapshot 传给脚本的属性数据，字段缺省值与编辑器保持一致
func snapshot(all []models.Stat) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(all))
	for _, s := range all {
		typ := s.Type
		if typ == "" {
			typ = "number"
		}
		out = append(out, map[string]interface{}{
			"id":          s.ID.String(),
			"name":        s.Name,
			"type":        typ,
			"description": s.Description,
			"min":         orDefault(s.Min, 0),
			"max":         orDefault(s.Max, 100),
			"value":       s.Value,
			"regen":       s.Regen,
		})
	}
	return out
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// consoleBuffer 收集 console 输出
type consoleBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *consoleBuffer) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(s)
	c.buf.WriteByte('\n')
}

func (c *consoleBuffer) Log(s string)   { c.write(s) }
func (c *consoleBuffer) Warn(s string)  { c.write(s) }
func (c *consoleBuffer) Error(s string) { c.write(s) }
func (c *consoleBuffer) Info(s string)  { c.write(s) }
func (c *consoleBuffer) Debug(s string) { c.write(s) }

func (c *consoleBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
