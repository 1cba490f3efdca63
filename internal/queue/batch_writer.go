package queue

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/metrics"
	"github.com/smukkama/usms-stats/internal/protocol"
)

// MessageSource is the consuming side of a topic.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// StatisticsSink receives decoded statistics batches.
type StatisticsSink interface {
	WriteStatistics(ctx context.Context, msgs []*protocol.StatisticsMessage) error
}

// BatchWriter consumes statistics messages and writes them to a sink in
// batches. Offsets are committed only after the sink accepted the batch.
type BatchWriter struct {
	source        MessageSource
	sink          StatisticsSink
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	written int
	skipped int
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(source MessageSource, sink StatisticsSink, batchSize int, flushInterval time.Duration, log *zap.Logger) *BatchWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchWriter{
		source:        source,
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log,
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming and writing to the sink
func (bw *BatchWriter) Start(ctx context.Context) {
	ctx, bw.cancel = context.WithCancel(ctx)
	msgCh := make(chan kafka.Message, bw.batchSize)

	bw.wg.Add(2)
	go bw.consume(ctx, msgCh)
	go bw.run(ctx, msgCh)
}

// Stop flushes what was consumed and stops the batch writer
func (bw *BatchWriter) Stop() {
	close(bw.stopCh)
	bw.wg.Wait()
}

// Stats returns how many messages were written and skipped.
func (bw *BatchWriter) Stats() (written, skipped int) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.written, bw.skipped
}

func (bw *BatchWriter) consume(ctx context.Context, msgCh chan<- kafka.Message) {
	defer bw.wg.Done()

	for {
		msg, err := bw.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			bw.log.Warn("consumer error", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// maxRetryBackoff caps the delay between writes of a failed batch.
const maxRetryBackoff = time.Minute

func (bw *BatchWriter) run(ctx context.Context, msgCh <-chan kafka.Message) {
	defer bw.wg.Done()
	defer bw.cancel()

	var (
		batch   []kafka.Message
		backoff time.Duration
		retryAt time.Time
	)
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	flush := func() {
		batch = bw.flush(ctx, batch)
		if len(batch) == 0 {
			backoff, retryAt = 0, time.Time{}
			return
		}
		backoff = nextBackoff(backoff, bw.flushInterval)
		retryAt = time.Now().Add(backoff)
		bw.log.Warn("statistics batch held for retry", zap.Int("messages", len(batch)), zap.Duration("backoff", backoff))
	}

	for {
		// A failed batch is only retried on the ticker. Once it is full,
		// reading stops so consumption pauses until the sink recovers.
		in := msgCh
		failing := !retryAt.IsZero()
		if failing && len(batch) >= bw.batchSize {
			in = nil
		}

		select {
		case <-bw.stopCh:
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				bw.flush(flushCtx, batch)
				cancel()
			}
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if len(batch) > 0 && !time.Now().Before(retryAt) {
				flush()
			}

		case msg := <-in:
			batch = append(batch, msg)
			if !failing && len(batch) >= bw.batchSize {
				flush()
			}
		}
	}
}

func nextBackoff(prev, base time.Duration) time.Duration {
	if prev == 0 {
		return base
	}
	next := prev * 2
	if next > maxRetryBackoff {
		next = maxRetryBackoff
	}
	return next
}

// flush writes a batch and returns what must be retried.
func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) []kafka.Message {
	decoded := make([]*protocol.StatisticsMessage, 0, len(batch))
	skipped := 0
	for _, msg := range batch {
		stats, err := protocol.DecodeStatisticsMessage(msg.Value)
		if err != nil {
			bw.log.Warn("skipping undecodable message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			skipped++
			continue
		}
		decoded = append(decoded, stats)
	}

	if len(decoded) > 0 {
		err := bw.sink.WriteStatistics(ctx, decoded)
		metrics.ObserveExport("write", metrics.ResultFor(err))
		if err != nil {
			bw.log.Error("failed to write statistics batch, will retry", zap.Int("messages", len(decoded)), zap.Error(err))
			return batch
		}
	}

	if err := bw.source.Commit(ctx, batch...); err != nil {
		bw.log.Error("failed to commit offsets", zap.Error(err))
	}

	bw.mu.Lock()
	bw.written += len(decoded)
	bw.skipped += skipped
	bw.mu.Unlock()

	bw.log.Info("flushed statistics batch", zap.Int("written", len(decoded)), zap.Int("skipped", skipped))
	return nil
}
