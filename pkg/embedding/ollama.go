package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaConfig 配置本地 Ollama 的 /api/embed 接口。
type OllamaConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

type ollamaClient struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllamaBackend 创建本地 embedding 后端，默认 all-minilm（384 维）。
func NewOllamaBackend(cfg OllamaConfig) Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "all-minilm"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	return &ollamaClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (c *ollamaClient) Model() string   { return c.cfg.Model }
func (c *ollamaClient) Dimensions() int { return c.cfg.Dimensions }

func (c *ollamaClient) CreateEmbeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		model = c.cfg.Model
	}
	body, err := json.Marshal(map[string]any{"model": model, "input": inputs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg)), Transient: statusTransient(resp.StatusCode)}
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(out.Embeddings) != len(inputs) {
		return nil, &BackendError{Message: fmt.Sprintf("expected %d embeddings, got %d", len(inputs), len(out.Embeddings))}
	}
	return out.Embeddings, nil
}
