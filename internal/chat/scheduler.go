package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GenerationJob carries everything the decoupled generation unit needs;
// no in-process state is shared with the request that scheduled it.
type GenerationJob struct {
	ThreadID        string
	PromptMessageID string
	ModelID         string
	UserID          string
	Anonymous       bool
	Prompt          string
}

// Scheduler decouples response generation from the request that
// triggered it. Schedule must return as soon as the job is accepted;
// the job runs later, possibly on a different worker.
type Scheduler interface {
	Schedule(ctx context.Context, job GenerationJob) error
}

// JobHandler executes one scheduled generation unit.
type JobHandler func(ctx context.Context, job GenerationJob) error

// AsyncScheduler runs jobs on a bounded pool of workers fed by a
// buffered queue.
type AsyncScheduler struct {
	queue  chan GenerationJob
	logger *zap.Logger
}

func NewAsyncScheduler(queueSize int, logger *zap.Logger) *AsyncScheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &AsyncScheduler{
		queue:  make(chan GenerationJob, queueSize),
		logger: logger,
	}
}

// Start launches the worker pool. It returns immediately; workers stop
// when ctx is cancelled.
func (s *AsyncScheduler) Start(ctx context.Context, workers int, handler JobHandler) {
	if workers <= 0 {
		workers = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-s.queue:
					if err := handler(ctx, job); err != nil {
						s.logger.Error("generation job failed",
							zap.Error(err),
							zap.String("thread_id", job.ThreadID),
							zap.String("model_id", job.ModelID))
					}
				}
			}
		})
	}
	go g.Wait()
}

func (s *AsyncScheduler) Schedule(ctx context.Context, job GenerationJob) error {
	select {
	case s.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("generation queue is full")
	}
}
