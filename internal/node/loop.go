package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/metrics"
)

// DefaultQueueSize bounds the number of tasks waiting on the loop.
const DefaultQueueSize = 1024

var (
	// ErrQueueFull is returned when a task cannot be enqueued without blocking.
	ErrQueueFull = errors.New("control loop queue full")
	// ErrLoopStopped is returned once the loop has exited.
	ErrLoopStopped = errors.New("control loop stopped")
)

// Task is a unit of work run on the control loop.
type Task func(ctx context.Context)

type loopKey struct{}

// Loop serializes every task touching node state onto one goroutine.
type Loop struct {
	tasks    chan Task
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewLoop creates a Loop with a queue of size tasks.
func NewLoop(size int, logger *zap.Logger) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		tasks:  make(chan Task, size),
		done:   make(chan struct{}),
		logger: logger.Named("loop"),
	}
}

// Run drains tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, loopKey{}, l)
	defer l.stopOnce.Do(func() { close(l.done) })
	l.logger.Info("Control loop started", zap.Int("queue", cap(l.tasks)))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Control loop stopped", zap.Int("dropped", len(l.tasks)))
			return nil
		case task := <-l.tasks:
			metrics.LoopQueueDepth.Set(float64(len(l.tasks)))
			task(ctx)
		}
	}
}

// OnLoop reports whether ctx belongs to a task running on l.
func (l *Loop) OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Exec runs fn inline when called from the loop, otherwise enqueues it and
// returns without waiting.
func (l *Loop) Exec(ctx context.Context, fn Task) error {
	if l.OnLoop(ctx) {
		fn(ctx)
		return nil
	}
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.tasks <- fn:
		metrics.LoopQueueDepth.Set(float64(len(l.tasks)))
		return nil
	default:
		metrics.LoopRejected.Inc()
		return ErrQueueFull
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn Task) error {
	finished := make(chan struct{})
	err := l.Exec(ctx, func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every enqueues fn every d until the returned cancel func is called or the
// loop stops. Ticks that find the queue full are skipped.
func (l *Loop) Every(d time.Duration, name string, fn Task) (cancel func()) {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				if err := l.Exec(context.Background(), fn); err != nil {
					l.logger.Debug("Periodic task skipped", zap.String("task", name), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}
