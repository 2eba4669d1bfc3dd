package telemetry

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Writer is what the queue drains into.
type Writer interface {
	WriteBatch(ctx context.Context, points []Point) error
}

// Queue decouples notification callbacks from the sink. Enqueue never blocks;
// a full queue drops the batch and counts it, because stalling the OPC UA
// publish pipeline is worse than losing a sample that the next notification
// replaces anyway.
type Queue struct {
	sink   Writer
	logger *zap.Logger
	ch     chan []Point
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewQueue starts the background drainer. size <= 0 defaults to 1024.
func NewQueue(ctx context.Context, sink Writer, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	q := &Queue{
		sink:   sink,
		logger: logger,
		ch:     make(chan []Point, size),
	}
	q.wg.Add(1)
	go q.drain(ctx)
	return q
}

// Enqueue hands a batch to the drainer without blocking.
func (q *Queue) Enqueue(points []Point) {
	if len(points) == 0 {
		return
	}
	select {
	case q.ch <- points:
	default:
		q.mu.Lock()
		q.dropped += int64(len(points))
		n := q.dropped
		q.mu.Unlock()
		q.logger.Warn("telemetry queue full, batch dropped", zap.Int64("dropped_total", n))
	}
}

// Dropped reports how many points have been discarded since start.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already queued, then stop.
			for {
				select {
				case points := <-q.ch:
					q.write(points)
				default:
					return
				}
			}
		case points := <-q.ch:
			q.write(points)
		}
	}
}

func (q *Queue) write(points []Point) {
	// The drainer uses its own context; cancellation is handled by drain.
	if err := q.sink.WriteBatch(context.Background(), points); err != nil {
		q.logger.Error("queued write failed", zap.Int("points", len(points)), zap.Error(err))
	}
}

// Wait blocks until the drainer has exited after context cancellation.
func (q *Queue) Wait() {
	q.wg.Wait()
}
