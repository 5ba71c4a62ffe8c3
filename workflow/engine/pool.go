package engine

import (
	"context"
	"sync"

	"github.com/meridianhealth/researchflow/common/logger"
)

// Pool fans wake events out to a fixed set of executor workers. Per-request
// serialization comes from the lease, not the pool: two workers waking the
// same request resolve it at acquisition.
type Pool struct {
	executor *Executor
	log      *logger.Logger

	workerCount int
	queue       chan string
	wg          sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(executor *Executor, workerCount int, log *logger.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		executor:    executor,
		log:         log,
		workerCount: workerCount,
		queue:       make(chan string, workerCount*4),
	}
}

// Start launches the workers. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		go p.worker(ctx, i)
	}
}

// Enqueue queues a request for execution, dropping the wake if the queue
// is saturated; recovery scans re-find any dropped request.
func (p *Pool) Enqueue(requestID string) {
	select {
	case p.queue <- requestID:
	default:
		p.log.Warn("work queue saturated, dropping wake", "request_id", requestID)
	}
}

// Wait blocks until every worker exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.log.WithFields(map[string]any{"worker": id})
	for {
		select {
		case <-ctx.Done():
			return
		case requestID := <-p.queue:
			if err := p.executor.Execute(ctx, requestID); err != nil && ctx.Err() == nil {
				log.Error("workflow execution failed",
					"request_id", requestID, "error", err)
			}
		}
	}
}
