package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/usms-stats/internal/protocol"
	"github.com/smukkama/usms-stats/internal/statistics"
)

type fakeSource struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{msgs: make(chan kafka.Message, 16)}
}

func (f *fakeSource) Consume(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeSource) Commit(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeSource) Committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type fakeSink struct {
	mu       sync.Mutex
	failures int
	written  []*protocol.StatisticsMessage
	attempts int
	largest  int
}

func (f *fakeSink) WriteStatistics(ctx context.Context, msgs []*protocol.StatisticsMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(msgs) > f.largest {
		f.largest = len(msgs)
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeSink) Attempts() (attempts, largest int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, f.largest
}

func (f *fakeSink) Recover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = 0
}

func (f *fakeSink) Written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func encoded(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	msg := protocol.NewStatisticsMessage("REG", statistics.Metadata{StatisticID: "s"}, "1", protocol.KindRefresh, []statistics.Row{
		{Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), State: 1},
	})
	data, err := protocol.EncodeStatisticsMessage(msg)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: data}
}

func TestBatchWriter_FlushesFullBatches(t *testing.T) {
	source := newFakeSource()
	sink := &fakeSink{}
	bw := NewBatchWriter(source, sink, 2, time.Hour, nil)
	bw.Start(context.Background())

	source.msgs <- encoded(t, 1)
	source.msgs <- encoded(t, 2)

	assert.Eventually(t, func() bool { return sink.Written() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, source.Committed())

	bw.Stop()
}

func TestBatchWriter_SkipsPoisonMessages(t *testing.T) {
	source := newFakeSource()
	sink := &fakeSink{}
	bw := NewBatchWriter(source, sink, 2, time.Hour, nil)
	bw.Start(context.Background())

	source.msgs <- kafka.Message{Offset: 1, Value: []byte("garbage")}
	source.msgs <- encoded(t, 2)

	assert.Eventually(t, func() bool { return len(source.Committed()) == 2 }, 2*time.Second, 10*time.Millisecond)
	bw.Stop()

	written, skipped := bw.Stats()
	assert.Equal(t, 1, written)
	assert.Equal(t, 1, skipped)
}

func TestBatchWriter_RetriesFailedBatchOnTick(t *testing.T) {
	source := newFakeSource()
	sink := &fakeSink{failures: 1}
	bw := NewBatchWriter(source, sink, 1, 20*time.Millisecond, nil)
	bw.Start(context.Background())

	source.msgs <- encoded(t, 7)

	assert.Eventually(t, func() bool { return sink.Written() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{7}, source.Committed())
	bw.Stop()
}

func TestBatchWriter_StopFlushesPartialBatch(t *testing.T) {
	source := newFakeSource()
	sink := &fakeSink{}
	bw := NewBatchWriter(source, sink, 10, time.Hour, nil)
	bw.Start(context.Background())

	source.msgs <- encoded(t, 1)
	// let the message reach the batch
	assert.Eventually(t, func() bool { return len(source.msgs) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	bw.Stop()
	assert.Equal(t, 1, sink.Written())
}

func TestBatchWriter_BoundsRetriesWhileSinkIsDown(t *testing.T) {
	source := newFakeSource()
	sink := &fakeSink{failures: 1 << 30}
	bw := NewBatchWriter(source, sink, 2, 10*time.Millisecond, nil)
	bw.Start(context.Background())

	const total = 40
	msgs := make([]kafka.Message, 0, total)
	for i := 1; i <= total; i++ {
		msgs = append(msgs, encoded(t, int64(i)))
	}
	go func() {
		for _, msg := range msgs {
			source.msgs <- msg
		}
	}()

	time.Sleep(300 * time.Millisecond)
	attempts, largest := sink.Attempts()
	assert.LessOrEqual(t, attempts, 8)
	assert.LessOrEqual(t, largest, 2)
	assert.Empty(t, source.Committed())
	assert.NotEmpty(t, source.msgs, "consumption pauses while the batch is held")

	sink.Recover()
	assert.Eventually(t, func() bool { return sink.Written() == total }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, source.Committed(), total)
	_, largest = sink.Attempts()
	assert.LessOrEqual(t, largest, 2)

	bw.Stop()
}

func TestNextBackoff(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, base, nextBackoff(0, base))
	assert.Equal(t, 10*time.Second, nextBackoff(base, base))
	assert.Equal(t, maxRetryBackoff, nextBackoff(50*time.Second, base))
}
