package service

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/pkg/utils"
)

var (
	// ErrQueueFull is returned when the shard owning a key has no room left
	ErrQueueFull = errors.New("dispatcher queue is full")

	// ErrDispatcherClosed is returned after Stop
	ErrDispatcherClosed = errors.New("dispatcher is stopped")
)

// Job is one unit of work for a single key
type Job func(ctx context.Context)

// Dispatcher runs jobs on a fixed set of shards. All jobs with the same key
// land on the same shard and run one at a time in submission order.
type Dispatcher struct {
	shards []chan Job
	logger *utils.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given shard count and per-shard queue size
func NewDispatcher(shardCount, queueSize int, logger *utils.Logger) *Dispatcher {
	if shardCount <= 0 {
		shardCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	d := &Dispatcher{
		shards: make([]chan Job, shardCount),
		logger: logger,
	}
	for i := range d.shards {
		d.shards[i] = make(chan Job, queueSize)
	}
	return d
}

// Start launches one worker per shard. Jobs receive ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, ch)
	}

	d.logger.WithField("shards", len(d.shards)).Info("Dispatcher started")
}

// Submit queues job on the shard owning key without blocking
func (d *Dispatcher) Submit(key string, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		metrics.DispatcherRejected.Inc()
		return ErrDispatcherClosed
	}

	shard := d.shardFor(key)
	select {
	case d.shards[shard] <- job:
		metrics.DispatcherQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(d.shards[shard])))
		return nil
	default:
		metrics.DispatcherRejected.Inc()
		return ErrQueueFull
	}
}

// Stop refuses new jobs, lets the workers drain their queues and waits for them
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Shards returns the shard count
func (d *Dispatcher) Shards() int {
	return len(d.shards)
}

func (d *Dispatcher) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) worker(ctx context.Context, shard int, jobs <-chan Job) {
	defer d.wg.Done()

	label := strconv.Itoa(shard)
	for job := range jobs {
		metrics.DispatcherQueueDepth.WithLabelValues(label).Set(float64(len(jobs)))
		d.run(ctx, shard, job)
	}
}

func (d *Dispatcher) run(ctx context.Context, shard int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("shard", shard).
				WithField("panic", r).
				Error("Dispatcher job panicked")
		}
	}()
	job(ctx)
}
