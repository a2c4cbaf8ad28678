package saves

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsJobs(t *testing.T) {
	w := NewWorker(2, 0)
	t.Cleanup(w.Close)

	got, err := Run(context.Background(), w, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Run(context.Background(), w, func(context.Context) (string, error) { return "", errors.New("boom") })
	assert.EqualError(t, err, "boom")
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	w := NewWorker(2, 8)
	t.Cleanup(w.Close)

	var running, peak atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_, _ = Run(context.Background(), w, func(context.Context) (struct{}, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return struct{}{}, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker(1, 0)
	t.Cleanup(w.Close)

	_, err := Run(context.Background(), w, func(context.Context) (int, error) { panic("bad save") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad save")

	got, err := Run(context.Background(), w, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestWorkerHonoursContext(t *testing.T) {
	w := NewWorker(1, 0)
	t.Cleanup(w.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), w, func(context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, w, func(context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestClosedWorkerRejectsJobs(t *testing.T) {
	w := NewWorker(1, 0)
	w.Close()

	_, err := Run(context.Background(), w, func(context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrWorkerClosed)
}
