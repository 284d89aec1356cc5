// Package vectorindex 持久化分块向量并回答最近邻查询。
//
// 两个实现：ElasticIndex（托管的远程索引）与 LocalIndex（按组织落盘的线性扫描存储）。
// 命名空间即组织 ID。
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Record 是持久化单元，ID 形如 "{document_id}#{chunk_index}"。
type Record struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Filter 按元数据键做等值过滤。
type Filter map[string]string

// SearchResult 是一次查询命中的分块。
type SearchResult struct {
	ChunkID    string         `json:"chunkId"`
	DocumentID string         `json:"documentId"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
	Similarity float64        `json:"similarity"`
}

// Stats 描述命名空间内的向量规模。
type Stats struct {
	VectorCount int         `json:"vectorCount"`
	Dimension   int         `json:"dimension"`
	Dimensions  map[int]int `json:"dimensions,omitempty"`
}

// Index 是两种实现共享的契约。
type Index interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	Delete(ctx context.Context, namespace string, filter Filter) (int, error)
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]SearchResult, error)
	// Stats 的 namespace 为空时统计全部命名空间。
	Stats(ctx context.Context, namespace string) (Stats, error)
}

// IndexError 描述向量后端的失败。
type IndexError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vector index %s (namespace=%q): %v", e.Op, e.Namespace, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// SearchDeduplicated 每个 document_id 只保留得分最高的分块，最多返回 limit 条。
// 先向索引请求 limit×3 个候选以消化重复。
func SearchDeduplicated(ctx context.Context, idx Index, namespace string, vector []float32, limit int, filter Filter) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := idx.Query(ctx, namespace, vector, limit*3, filter)
	if err != nil {
		return nil, err
	}
	return dedupe(raw, limit), nil
}

func dedupe(raw []SearchResult, limit int) []SearchResult {
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Similarity > raw[j].Similarity })
	seen := make(map[string]struct{}, len(raw))
	out := make([]SearchResult, 0, min(limit, len(raw)))
	for _, r := range raw {
		key := r.DocumentID
		if key == "" {
			key = r.ChunkID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

// CosineSimilarity 计算余弦相似度，维度不一致或零向量时 ok=false。
func CosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func matches(metadata map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func documentIDOf(metadata map[string]any) string {
	if v, ok := metadata["document_id"].(string); ok {
		return v
	}
	return ""
}
