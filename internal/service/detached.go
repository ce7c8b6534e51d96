package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/metrics"
)

const defaultDetachedTimeout = 30 * time.Second

// Detacher запускает побочные задачи вне пути ответа: ошибка задачи логируется
// и отбрасывается, вызывающий её никогда не получает.
type Detacher struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewDetacher(timeout time.Duration) *Detacher {
	if timeout <= 0 {
		timeout = defaultDetachedTimeout
	}
	return &Detacher{timeout: timeout}
}

// Go запускает fn в отдельной горутине. Значения ctx сохраняются, отмена — нет:
// запрос может завершиться раньше задачи.
func (d *Detacher) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.run(taskCtx, fn); err != nil {
			metrics.DetachedFailures.WithLabelValues(name).Inc()
			logger.L().Warn("detached task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func (d *Detacher) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait дожидается завершения запущенных задач (graceful shutdown, тесты).
func (d *Detacher) Wait() {
	d.wg.Wait()
}
