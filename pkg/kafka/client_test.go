package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askdocs-go/internal/config"
	"askdocs-go/pkg/tasks"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

// fakeReader 与 kafka-go 的 Reader 一致：拉取后不会重投，提交只记录 offset。
type fakeReader struct {
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(_ context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type flakyProcessor struct {
	failures map[string]int
	calls    map[string]int
}

func (p *flakyProcessor) Process(_ context.Context, task tasks.IngestTask) error {
	p.calls[task.DocumentID]++
	if p.failures[task.DocumentID] > 0 {
		p.failures[task.DocumentID]--
		return errors.New("transient")
	}
	return nil
}

// brokenCounter 模拟 Redis 不可用。
type brokenCounter struct{}

func (brokenCounter) Incr(context.Context, string) (int64, error) { return 0, errors.New("redis down") }
func (brokenCounter) Reset(context.Context, string) error          { return errors.New("redis down") }

func fastRetries(t *testing.T) {
	t.Helper()
	initial, maxInterval := retryInitialInterval, retryMaxInterval
	retryInitialInterval, retryMaxInterval = time.Millisecond, 2*time.Millisecond
	t.Cleanup(func() { retryInitialInterval, retryMaxInterval = initial, maxInterval })
}

func message(t *testing.T, offset int64, docID string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(tasks.IngestTask{DocumentID: docID, OrganizationID: "org"})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestPublishIngestTask(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w)
	require.NoError(t, p.PublishIngestTask(context.Background(), tasks.IngestTask{DocumentID: "doc-1", ObjectName: "raw/org/doc-1"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "doc-1", string(w.msgs[0].Key))

	var got tasks.IngestTask
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "raw/org/doc-1", got.ObjectName)
}

func TestStartConsumer_RetriesInPlaceThenCommits(t *testing.T) {
	fastRetries(t)
	r := &fakeReader{queue: []kafka.Message{
		message(t, 1, "ok"),
		message(t, 2, "flaky"),
		message(t, 3, "broken"),
		{Offset: 4, Value: []byte("not json")},
	}}
	proc := &flakyProcessor{
		failures: map[string]int{"flaky": 1, "broken": 100},
		calls:    map[string]int{},
	}
	attempts := NewMemoryAttempts()

	StartConsumer(context.Background(), r, proc, attempts)

	assert.True(t, r.closed)
	assert.Equal(t, []int64{1, 2, 3, 4}, r.committed)
	assert.Equal(t, 1, proc.calls["ok"])
	assert.Equal(t, 2, proc.calls["flaky"])
	assert.Equal(t, maxAttempts, proc.calls["broken"])
	assert.Zero(t, attempts.counts.ItemCount())
}

func TestHandleMessage_ResumesAttemptCount(t *testing.T) {
	fastRetries(t)
	ctx := context.Background()
	m := message(t, 7, "broken")
	attempts := NewMemoryAttempts()
	// 上一个进程在提交前退出，已经用掉两次
	for i := 0; i < maxAttempts-1; i++ {
		_, err := attempts.Incr(ctx, attemptsKey(m))
		require.NoError(t, err)
	}
	proc := &flakyProcessor{failures: map[string]int{"broken": 100}, calls: map[string]int{}}

	assert.True(t, handleMessage(ctx, m, proc, attempts))
	assert.Equal(t, 1, proc.calls["broken"])
	assert.Zero(t, attempts.counts.ItemCount())
}

func TestHandleMessage_CounterUnavailable(t *testing.T) {
	fastRetries(t)
	proc := &flakyProcessor{failures: map[string]int{"broken": 100}, calls: map[string]int{}}

	assert.True(t, handleMessage(context.Background(), message(t, 1, "broken"), proc, brokenCounter{}))
	assert.Equal(t, maxAttempts, proc.calls["broken"])
}

func TestHandleMessage_ShutdownDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := message(t, 1, "broken")
	proc := &flakyProcessor{failures: map[string]int{"broken": 100}, calls: map[string]int{}}
	attempts := NewMemoryAttempts()

	assert.False(t, handleMessage(ctx, m, proc, attempts))
	assert.Equal(t, 1, proc.calls["broken"])
	n, found := attempts.counts.Get(attemptsKey(m))
	require.True(t, found)
	assert.Equal(t, int64(1), n)
}

func TestMemoryAttempts(t *testing.T) {
	a := NewMemoryAttempts()
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := a.Incr(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	require.NoError(t, a.Reset(ctx, "k"))
	n, err := a.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, Brokers(config.KafkaConfig{Brokers: " a:9092, ,b:9092"}))
}
