package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/pkg/utils"
)

// BatchWriter appends raw fixes to history asynchronously, in batches
type BatchWriter struct {
	writer repository.HistoryWriter
	logger *utils.Logger
	config *BatchConfig

	points   chan models.GpsPoint
	flushReq chan chan error
	buffer   []models.GpsPoint

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	stats *BatchStats
}

// BatchConfig configures the batch writer
type BatchConfig struct {
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	ChannelBuffer int           `json:"channel_buffer"`
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	WriteTimeout  time.Duration `json:"write_timeout"`
}

// BatchStats counts writer activity
type BatchStats struct {
	mu sync.RWMutex

	Queued   int64 `json:"queued"`
	Batches  int64 `json:"batches"`
	Written  int64 `json:"written"`
	Errors   int64 `json:"errors"`
	Rejected int64 `json:"rejected"`

	LastFlushDuration time.Duration `json:"last_flush_duration"`
	LastBatchSize     int           `json:"last_batch_size"`
}

// DefaultBatchConfig returns the default configuration
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		ChannelBuffer: 10000,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

// BatchConfigFromConfig builds a BatchConfig from the performance settings
func BatchConfigFromConfig(cfg config.PerformanceConfig) *BatchConfig {
	bc := DefaultBatchConfig()
	if cfg.MaxBatchSize > 0 {
		bc.BatchSize = cfg.MaxBatchSize
		bc.ChannelBuffer = cfg.MaxBatchSize * 20
	}
	if cfg.BatchTimeout > 0 {
		bc.FlushInterval = cfg.BatchTimeout
	}
	if cfg.StoreTimeout > 0 {
		bc.WriteTimeout = cfg.StoreTimeout
	}
	return bc
}

// NewBatchWriter creates a BatchWriter and starts its worker
func NewBatchWriter(writer repository.HistoryWriter, logger *utils.Logger, config *BatchConfig) (*BatchWriter, error) {
	if writer == nil {
		return nil, fmt.Errorf("history writer cannot be nil")
	}
	if config == nil {
		config = DefaultBatchConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bw := &BatchWriter{
		writer:   writer,
		logger:   logger,
		config:   config,
		points:   make(chan models.GpsPoint, config.ChannelBuffer),
		flushReq: make(chan chan error),
		buffer:   make([]models.GpsPoint, 0, config.BatchSize),
		ctx:      ctx,
		cancel:   cancel,
		stats:    &BatchStats{},
	}

	bw.wg.Add(1)
	go bw.worker()

	bw.logger.WithField("batch_size", config.BatchSize).
		WithField("flush_interval", config.FlushInterval).
		Info("Started history batch writer")

	return bw, nil
}

// Queue adds a fix to the history queue without blocking
func (bw *BatchWriter) Queue(point models.GpsPoint) error {
	if bw.ctx.Err() != nil {
		return fmt.Errorf("batch writer is shutting down")
	}

	select {
	case bw.points <- point:
		bw.stats.mu.Lock()
		bw.stats.Queued++
		bw.stats.mu.Unlock()
		metrics.HistoryQueueSize.Set(float64(len(bw.points)))
		return nil
	default:
		bw.stats.mu.Lock()
		bw.stats.Rejected++
		bw.stats.mu.Unlock()
		return fmt.Errorf("history queue is full")
	}
}

// Flush writes everything queued so far and waits for the result
func (bw *BatchWriter) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case bw.flushReq <- done:
	case <-bw.ctx.Done():
		return fmt.Errorf("batch writer is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes the remaining fixes and stops the worker
func (bw *BatchWriter) Stop() {
	bw.stopOnce.Do(func() {
		bw.logger.Info("Stopping history batch writer...")
		bw.cancel()
		bw.wg.Wait()
		bw.logger.Info("History batch writer stopped")
	})
}

// GetStats returns a snapshot of the writer counters
func (bw *BatchWriter) GetStats() BatchStats {
	bw.stats.mu.RLock()
	defer bw.stats.mu.RUnlock()

	return BatchStats{
		Queued:            bw.stats.Queued,
		Batches:           bw.stats.Batches,
		Written:           bw.stats.Written,
		Errors:            bw.stats.Errors,
		Rejected:          bw.stats.Rejected,
		LastFlushDuration: bw.stats.LastFlushDuration,
		LastBatchSize:     bw.stats.LastBatchSize,
	}
}

func (bw *BatchWriter) worker() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case point := <-bw.points:
			bw.buffer = append(bw.buffer, point)
			if len(bw.buffer) >= bw.config.BatchSize {
				bw.flush()
			}

		case done := <-bw.flushReq:
			bw.drain()
			done <- bw.flush()

		case <-ticker.C:
			if len(bw.buffer) > 0 {
				bw.flush()
			}

		case <-bw.ctx.Done():
			bw.drain()
			bw.flush()
			return
		}
	}
}

// drain moves whatever is waiting in the channel into the buffer
func (bw *BatchWriter) drain() {
	for {
		select {
		case point := <-bw.points:
			bw.buffer = append(bw.buffer, point)
		default:
			metrics.HistoryQueueSize.Set(0)
			return
		}
	}
}

func (bw *BatchWriter) flush() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	var firstErr error
	for start := 0; start < len(bw.buffer); start += bw.config.BatchSize {
		end := min(start+bw.config.BatchSize, len(bw.buffer))
		if err := bw.writeBatch(bw.buffer[start:end]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bw.buffer = bw.buffer[:0]
	return firstErr
}

func (bw *BatchWriter) writeBatch(batch []models.GpsPoint) error {
	start := time.Now()

	err := bw.retryOperation(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), bw.config.WriteTimeout)
		defer cancel()
		return bw.writer.SavePointsBatch(ctx, batch)
	})

	duration := time.Since(start)
	metrics.BatchSize.Observe(float64(len(batch)))
	metrics.BatchDuration.Observe(duration.Seconds())

	bw.stats.mu.Lock()
	defer bw.stats.mu.Unlock()

	if err != nil {
		metrics.BatchesTotal.WithLabelValues("error").Inc()
		bw.stats.Errors += int64(len(batch))
		bw.logger.WithField("batch_size", len(batch)).
			WithField("duration", duration).
			WithError(err).
			Error("Failed to write fix history batch")
		return err
	}

	metrics.BatchesTotal.WithLabelValues("success").Inc()
	bw.stats.Batches++
	bw.stats.Written += int64(len(batch))
	bw.stats.LastFlushDuration = duration
	bw.stats.LastBatchSize = len(batch)
	bw.logger.WithField("batch_size", len(batch)).
		WithField("duration", duration).
		Debug("Flushed fix history batch")
	return nil
}

// retryOperation runs operation with linear backoff. Retries stop once the
// writer is stopping.
func (bw *BatchWriter) retryOperation(operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			case <-bw.ctx.Done():
				return fmt.Errorf("giving up on shutdown: %w", lastErr)
			}
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		bw.logger.WithField("attempt", attempt+1).
			WithField("max_retries", bw.config.MaxRetries).
			WithError(lastErr).
			Warn("History batch write failed, retrying")
	}

	return fmt.Errorf("operation failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}
