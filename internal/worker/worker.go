package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/subflow/subflow/internal/jobs"
	"github.com/subflow/subflow/internal/queue"
	"github.com/subflow/subflow/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Queue is the consumer half of the work queue contract.
type Queue interface {
	Lease(ctx context.Context, queueName string, leaseDur time.Duration) (*queue.Message, error)
	Ack(ctx context.Context, msg *queue.Message, result string) error
	Fail(ctx context.Context, msg *queue.Message, cause error) error
	DeadLetter(ctx context.Context, msg *queue.Message, cause error) error
}

// Options tunes the consumption loops.
type Options struct {
	QueueName    string
	Concurrency  int           // independent lease loops (default 1)
	LeaseDur     time.Duration // how long a claim excludes other workers (default 30s)
	PollInterval time.Duration // idle wait between lease attempts (default 1s)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LeaseDur <= 0 {
		o.LeaseDur = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Worker runs lease loops against the work queue. Loops share no mutable
// state; all coordination happens through the queue and the durable store.
type Worker struct {
	queue Queue
	proc  *Processor
	opts  Options
}

func NewWorker(q Queue, proc *Processor, opts Options) *Worker {
	return &Worker{
		queue: q,
		proc:  proc,
		opts:  opts.withDefaults(),
	}
}

// Run blocks until ctx is cancelled. Each loop pulls one message at a time:
// lease, process, then ack or fail-with-retry.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("Worker starting: queue=%s concurrency=%d lease=%s", w.opts.QueueName, w.opts.Concurrency, w.opts.LeaseDur)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		msg, err := w.queue.Lease(ctx, w.opts.QueueName, w.opts.LeaseDur)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("Lease failed: %v", err)
		} else if msg != nil {
			w.handle(ctx, msg)
			continue // drain without idling while messages are available
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	var payload jobs.Message
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		// A payload that cannot even be decoded will never succeed; send it
		// straight to the dead log instead of burning retries.
		log.Error("Message %s has undecodable payload: %v", msg.ID, err)
		if dlErr := w.queue.DeadLetter(ctx, msg, fmt.Errorf("undecodable payload: %w", err)); dlErr != nil {
			log.Error("Dead-lettering message %s failed: %v", msg.ID, dlErr)
		}
		return
	}

	log.Info("Message %s delivered (attempt %d) for job %s", msg.ID, msg.Attempts, payload.JobID)
	result, err := w.proc.Process(ctx, payload)
	if err != nil {
		log.Error("Job %s attempt %d failed: %v", payload.JobID, msg.Attempts, err)
		if failErr := w.queue.Fail(ctx, msg, err); failErr != nil {
			log.Error("Releasing message %s failed: %v", msg.ID, failErr)
		}
		return
	}

	summary, _ := json.Marshal(result)
	if err := w.queue.Ack(ctx, msg, string(summary)); err != nil {
		log.Error("Acking message %s failed: %v", msg.ID, err)
	}
}
