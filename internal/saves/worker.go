// internal/saves/worker.go
package saves

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Corphon/Formamorph/internal/utils"
)

// ErrWorkerClosed 工作池已关闭
var ErrWorkerClosed = errors.New("save worker is closed")

type job struct {
	id    string
	ctx   context.Context
	fn    func(context.Context) (any, error)
	reply chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Worker 固定大小的后台协程池，处理旧存档转换和导出等较重的 JSON 工作
type Worker struct {
	jobs      chan job
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *utils.Logger
}

// NewWorker 创建并启动工作池
func NewWorker(size, queue int) *Worker {
	if size <= 0 {
		size = 2
	}
	if queue < 0 {
		queue = 0
	}
	w := &Worker{
		jobs:   make(chan job, queue),
		quit:   make(chan struct{}),
		logger: utils.GetLogger(),
	}
	for i := 0; i < size; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			j.reply <- w.handle(j)
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) handle(j job) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("save worker job panicked", map[string]interface{}{
				"request_id": j.id,
				"panic":      fmt.Sprint(r),
			})
			res = jobResult{err: fmt.Errorf("save worker job %s panicked: %v", j.id, r)}
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return jobResult{err: err}
	}
	v, err := j.fn(j.ctx)
	return jobResult{value: v, err: err}
}

// Close 停止工作池并等待正在执行的任务结束
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.quit)
	})
	w.wg.Wait()
}

// Run 在工作池中执行 fn 并等待结果。每个请求带一个 uuid 便于日志关联。
func Run[T any](ctx context.Context, w *Worker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	j := job{
		id:  uuid.NewString(),
		ctx: ctx,
		fn: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		reply: make(chan jobResult, 1),
	}

	select {
	case <-w.quit:
		return zero, ErrWorkerClosed
	default:
	}

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.quit:
		return zero, ErrWorkerClosed
	}
	w.logger.Debug("save worker request queued", map[string]interface{}{"request_id": j.id})

	select {
	case res := <-j.reply:
		if res.err != nil {
			return zero, res.err
		}
		v, _ := res.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.quit:
		return zero, ErrWorkerClosed
	}
}
