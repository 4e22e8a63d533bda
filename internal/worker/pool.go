package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dontdude/codeduel/internal/domain"
)

// Handler processes one delivery. It owns acknowledgement.
type Handler interface {
	Handle(ctx context.Context, msg domain.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg domain.Message)

func (f HandlerFunc) Handle(ctx context.Context, msg domain.Message) { f(ctx, msg) }

// Pool implements a fixed-size worker pool. workerCount bounds how many
// sandboxes run at once; tasksCh buffers deliveries; wg tracks workers for a
// graceful shutdown.
type Pool struct {
	workerCount int
	tasksCh     chan domain.Message
	wg          sync.WaitGroup
	handler     Handler
}

func NewPool(concurrency int, handler Handler) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		tasksCh:     make(chan domain.Message, concurrency),
		handler:     handler,
	}
}

// Start spawns the workers and returns immediately. ctx is handed to every
// handler call; jobs already taken keep running to their own timeout.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the queue and blocks until every worker has finished its
// current delivery.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit blocks while every worker is busy and the buffer is full.
func (p *Pool) Submit(msg domain.Message) {
	p.tasksCh <- msg
}

// Feed submits every delivery from msgs until the channel closes.
func (p *Pool) Feed(msgs <-chan domain.Message) {
	for msg := range msgs {
		p.Submit(msg)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Debug("Worker started", "workerID", id)

	for msg := range p.tasksCh {
		slog.Debug("Processing delivery", "workerID", id, "msgID", msg.ID, "correlationID", msg.CorrelationID)
		p.handler.Handle(ctx, msg)
	}

	slog.Debug("Worker stopped", "workerID", id)
}
