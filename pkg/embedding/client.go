// Package embedding 将文本转换为定长向量，负责批处理、缓存与退避重试。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"askdocs-go/pkg/log"
)

// Backend 是 embedding 后端，create_embeddings(model, inputs) -> vectors。
type Backend interface {
	CreateEmbeddings(ctx context.Context, model string, inputs []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// BackendError 描述后端返回的错误，Transient 表示限流、超时等可重试的失败。
type BackendError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding backend returned %d: %s", e.StatusCode, e.Message)
	}
	return "embedding backend: " + e.Message
}

// IsTransient 判断错误是否值得重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// statusTransient 将 HTTP 状态码映射为是否可重试：429、408 和 5xx 可重试。
func statusTransient(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// OpenAIConfig 配置 OpenAI 兼容的 /embeddings 接口。
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

type openAICompatibleClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIBackend 创建 OpenAI 兼容的 embedding 后端。
func NewOpenAIBackend(cfg OpenAIConfig) Backend {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAICompatibleClient) Model() string   { return c.cfg.Model }
func (c *openAICompatibleClient) Dimensions() int { return c.cfg.Dimensions }

// CreateEmbeddings 调用 OpenAI 兼容接口，按响应中的 index 还原输入顺序。
func (c *openAICompatibleClient) CreateEmbeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		model = c.cfg.Model
	}
	log.Debugf("[EmbeddingClient] 调用 Embedding API, model: %s, inputs: %d", model, len(inputs))

	reqBytes, err := json.Marshal(embeddingRequest{Model: model, Input: inputs, Dimensions: c.cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warnf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Transient: statusTransient(resp.StatusCode)}
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Data) != len(inputs) {
		return nil, &BackendError{Message: fmt.Sprintf("expected %d embeddings, got %d", len(inputs), len(embeddingResp.Data))}
	}

	sort.Slice(embeddingResp.Data, func(i, j int) bool {
		return embeddingResp.Data[i].Index < embeddingResp.Data[j].Index
	})
	vectors := make([][]float32, len(embeddingResp.Data))
	for i, d := range embeddingResp.Data {
		if len(d.Embedding) == 0 {
			return nil, &BackendError{Message: fmt.Sprintf("empty embedding at index %d", d.Index)}
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
