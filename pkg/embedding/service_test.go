package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend 按文本长度生成确定性向量，可注入若干次失败。
type fakeBackend struct {
	mu       sync.Mutex
	calls    int32
	failures []error
	inputs   [][]string
}

func (f *fakeBackend) Model() string   { return "fake-model" }
func (f *fakeBackend) Dimensions() int { return 3 }

func (f *fakeBackend) CreateEmbeddings(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, append([]string(nil), inputs...))
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = vectorFor(in)
	}
	return out, nil
}

func vectorFor(text string) []float32 {
	return []float32{float32(len(text)), float32(text[0]), 1}
}

func fastService(b Backend, c Cache, opts ...Option) *Service {
	opts = append([]Option{WithRetry(3, time.Millisecond, 5*time.Millisecond)}, opts...)
	return NewService(b, c, opts...)
}

func TestEmbedSingle_CacheHitSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	svc := fastService(backend, NewMemoryCache(time.Hour))

	first, err := svc.EmbedSingle(context.Background(), "hello world")
	require.NoError(t, err)
	second, err := svc.EmbedSingle(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.calls))
}

func TestEmbedSingle_ExpiredEntryIsMiss(t *testing.T) {
	backend := &fakeBackend{}
	cache := NewMemoryCache(20 * time.Millisecond)
	svc := fastService(backend, cache)

	_, err := svc.EmbedSingle(context.Background(), "ttl text")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = svc.EmbedSingle(context.Background(), "ttl text")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&backend.calls))
}

func TestEmbedBatch_RetriesRateLimitThenSucceeds(t *testing.T) {
	rateLimited := &BackendError{StatusCode: 429, Message: "rate limited", Transient: true}
	backend := &fakeBackend{failures: []error{rateLimited, rateLimited}}
	svc := fastService(backend, NewMemoryCache(time.Hour))

	texts := []string{"alpha", "beta", "gamma"}
	vecs, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	assert.EqualValues(t, 3, atomic.LoadInt32(&backend.calls))
	for i, text := range texts {
		assert.Equal(t, vectorFor(text), vecs[i])
	}
}

func TestEmbedBatch_PermanentErrorNotRetried(t *testing.T) {
	backend := &fakeBackend{failures: []error{&BackendError{StatusCode: 401, Message: "bad key"}}}
	svc := fastService(backend, nil)

	_, err := svc.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)

	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.False(t, embErr.Transient)
	assert.Equal(t, 1, embErr.Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.calls))
}

func TestEmbedBatch_TransientExhaustsAttempts(t *testing.T) {
	busy := &BackendError{StatusCode: 503, Message: "busy", Transient: true}
	backend := &fakeBackend{failures: []error{busy, busy, busy, busy}}
	svc := fastService(backend, nil)

	_, err := svc.EmbedBatch(context.Background(), []string{"x"})
	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.True(t, embErr.Transient)
	assert.EqualValues(t, 3, atomic.LoadInt32(&backend.calls))
}

func TestEmbedBatch_PreservesOrderAcrossBatches(t *testing.T) {
	backend := &fakeBackend{}
	svc := fastService(backend, NewMemoryCache(time.Hour), WithBatchSize(2), WithMaxConcurrency(3))

	texts := make([]string, 7)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d%s", i, string(rune('a'+i)))
	}
	vecs, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, vectorFor(text), vecs[i], "index %d", i)
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&backend.calls))
}

func TestEmbedBatch_MixesCachedAndFresh(t *testing.T) {
	backend := &fakeBackend{}
	svc := fastService(backend, NewMemoryCache(time.Hour))

	_, err := svc.EmbedSingle(context.Background(), "cached")
	require.NoError(t, err)

	vecs, err := svc.EmbedBatch(context.Background(), []string{"fresh", "cached", "fresh"})
	require.NoError(t, err)
	assert.Equal(t, vectorFor("fresh"), vecs[0])
	assert.Equal(t, vectorFor("cached"), vecs[1])
	assert.Equal(t, vectorFor("fresh"), vecs[2])

	require.Len(t, backend.inputs, 2)
	assert.Equal(t, []string{"fresh"}, backend.inputs[1])
}

func TestRetryPolicy_StaysWithinBounds(t *testing.T) {
	svc := NewService(&fakeBackend{}, NewMemoryCache(time.Hour))
	policy := svc.retryPolicy()

	assert.Equal(t, DefaultBackoffMin, policy.NextBackOff())
	prev := DefaultBackoffMin
	for i := 0; i < 10; i++ {
		d := policy.NextBackOff()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, DefaultBackoffMax)
		prev = d
	}
	assert.Equal(t, DefaultBackoffMax, prev)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&BackendError{StatusCode: 429, Transient: true}))
	assert.False(t, IsTransient(&BackendError{StatusCode: 400}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &BackendError{Transient: true})))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	out, ok := decodeVector(encodeVector(in))
	require.True(t, ok)
	assert.Equal(t, in, out)
}
