package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"askdocs-go/pkg/log"
)

const (
	DefaultBatchSize      = 100
	DefaultMaxConcurrency = 4
	DefaultMaxAttempts    = 3
	DefaultBackoffMin     = 2 * time.Second
	DefaultBackoffMax     = 10 * time.Second
)

// EmbeddingError 是 EmbeddingService 对外返回的错误。
type EmbeddingError struct {
	Transient bool
	Attempts  int
	Err       error
}

func (e *EmbeddingError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding failed (%s, %d attempt(s)): %v", kind, e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Service 在 Backend 之上提供批处理、缓存与重试。
type Service struct {
	backend        Backend
	cache          Cache
	batchSize      int
	maxConcurrency int
	maxAttempts    int
	backoffMin     time.Duration
	backoffMax     time.Duration
}

// Option 配置 Service。
type Option func(*Service)

// WithBatchSize 设置单次请求的最大输入条数。
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxConcurrency 设置同时在途的批次数。
func WithMaxConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithRetry 设置可重试错误的最大尝试次数与退避区间。
func WithRetry(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			s.backoffMin = minBackoff
		}
		if maxBackoff > 0 {
			s.backoffMax = maxBackoff
		}
	}
}

// NewService 创建 EmbeddingService。cache 为 nil 时不缓存。
func NewService(backend Backend, cache Cache, opts ...Option) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	s := &Service{
		backend:        backend,
		cache:          cache,
		batchSize:      DefaultBatchSize,
		maxConcurrency: DefaultMaxConcurrency,
		maxAttempts:    DefaultMaxAttempts,
		backoffMin:     DefaultBackoffMin,
		backoffMax:     DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoffMax < s.backoffMin {
		s.backoffMax = s.backoffMin
	}
	return s
}

// Model 返回后端模型名。
func (s *Service) Model() string { return s.backend.Model() }

// Dimensions 返回向量维度。
func (s *Service) Dimensions() int { return s.backend.Dimensions() }

// EmbedSingle 计算单条文本的向量。
func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch 计算一组文本的向量，结果 i 对应输入 i。
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	model := s.backend.Model()
	// 同一批次内的重复文本只请求一次
	pending := make(map[string][]int)
	var misses []string
	for i, text := range texts {
		key := CacheKey(model, text)
		if vec, ok := s.cache.Get(ctx, key); ok {
			results[i] = vec
			continue
		}
		if _, seen := pending[text]; !seen {
			misses = append(misses, text)
		}
		pending[text] = append(pending[text], i)
	}
	if len(misses) == 0 {
		return results, nil
	}
	log.Debugf("[EmbeddingService] %d 条输入, 缓存命中 %d, 需请求 %d", len(texts), len(texts)-countIndices(pending), len(misses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for start := 0; start < len(misses); start += s.batchSize {
		batch := misses[start:min(start+s.batchSize, len(misses))]
		g.Go(func() error {
			vecs, err := s.createWithRetry(gctx, model, batch)
			if err != nil {
				return err
			}
			// 各批次写入互不重叠的位置
			for j, text := range batch {
				s.cache.Set(gctx, CacheKey(model, text), vecs[j])
				for _, idx := range pending[text] {
					results[idx] = vecs[j]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) createWithRetry(ctx context.Context, model string, batch []string) ([][]float32, error) {
	attempts := 0
	op := func() ([][]float32, error) {
		attempts++
		vecs, err := s.backend.CreateEmbeddings(ctx, model, batch)
		if err == nil {
			if len(vecs) != len(batch) {
				return nil, backoff.Permanent(fmt.Errorf("backend returned %d vectors for %d inputs", len(vecs), len(batch)))
			}
			return vecs, nil
		}
		if IsTransient(err) {
			log.Warnf("[EmbeddingService] 第 %d 次请求遇到可重试错误: %v", attempts, err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	vecs, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.retryPolicy()),
		backoff.WithMaxTries(uint(s.maxAttempts)),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &EmbeddingError{Transient: true, Attempts: attempts, Err: err}
		}
		return nil, &EmbeddingError{Transient: IsTransient(err), Attempts: attempts, Err: err}
	}
	return vecs, nil
}

// retryPolicy 返回不带抖动的指数退避，间隔落在 [backoffMin, backoffMax] 内。
func (s *Service) retryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.backoffMin
	policy.MaxInterval = s.backoffMax
	policy.RandomizationFactor = 0
	policy.Reset()
	return policy
}

func countIndices(m map[string][]int) int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}
