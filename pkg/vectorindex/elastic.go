package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"golang.org/x/sync/semaphore"

	"askdocs-go/pkg/es"
	"askdocs-go/pkg/log"
)

// ElasticConfig 配置托管索引。
type ElasticConfig struct {
	IndexPrefix string
	BatchSize   int
	Workers     int
}

// ElasticIndex 以 Elasticsearch 为托管向量后端，每个维度一个物理索引，命名空间通过 organization_id 过滤。
type ElasticIndex struct {
	client    *elasticsearch.Client
	prefix    string
	batchSize int
	workers   *semaphore.Weighted

	mu      sync.Mutex
	ensured map[int]bool
}

// NewElasticIndex 创建托管索引，物理索引在首次写入时按需创建。
func NewElasticIndex(client *elasticsearch.Client, cfg ElasticConfig) *ElasticIndex {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "askdocs-chunks"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &ElasticIndex{
		client:    client,
		prefix:    cfg.IndexPrefix,
		batchSize: cfg.BatchSize,
		workers:   semaphore.NewWeighted(int64(cfg.Workers)),
		ensured:   make(map[int]bool),
	}
}

func (e *ElasticIndex) indexName(dims int) string {
	return e.prefix + "-" + strconv.Itoa(dims)
}

func (e *ElasticIndex) pattern() string {
	return e.prefix + "-*"
}

func (e *ElasticIndex) ensureIndex(ctx context.Context, dims int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ensured[dims] {
		return nil
	}
	_, err := offload(ctx, e.workers, func() (struct{}, error) {
		return struct{}{}, es.CreateIndexIfNotExists(ctx, e.client, e.indexName(dims), es.ChunkIndexMapping(dims))
	})
	if err != nil {
		return err
	}
	e.ensured[dims] = true
	return nil
}

type esChunk struct {
	ChunkID        string         `json:"chunk_id"`
	DocumentID     string         `json:"document_id"`
	OrganizationID string         `json:"organization_id"`
	ChunkIndex     int            `json:"chunk_index"`
	Text           string         `json:"text"`
	Vector         []float32      `json:"vector,omitempty"`
	Metadata       map[string]any `json:"metadata"`
}

// do 执行请求并返回响应体，非 2xx 时返回带状态码的错误。
func (e *ElasticIndex) do(ctx context.Context, req esapi.Request) ([]byte, int, error) {
	type reply struct {
		body   []byte
		status int
	}
	r, err := offload(ctx, e.workers, func() (reply, error) {
		res, err := req.Do(ctx, e.client)
		if err != nil {
			return reply{}, err
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		return reply{body: body, status: res.StatusCode}, err
	})
	if err != nil {
		return nil, 0, err
	}
	if r.status >= 300 {
		return r.body, r.status, fmt.Errorf("elasticsearch returned %d: %s", r.status, truncate(string(r.body), 512))
	}
	return r.body, r.status, nil
}

// Upsert 按批次 _bulk 写入，文档 ID 即记录 ID，重复写入覆盖旧值。
func (e *ElasticIndex) Upsert(ctx context.Context, namespace string, records []Record) error {
	if namespace == "" {
		return &IndexError{Op: "upsert", Err: errors.New("namespace is required")}
	}
	byDims := make(map[int][]Record)
	for _, r := range records {
		if r.ID == "" || len(r.Vector) == 0 {
			return &IndexError{Op: "upsert", Namespace: namespace, Err: fmt.Errorf("record %q has no id or vector", r.ID)}
		}
		byDims[len(r.Vector)] = append(byDims[len(r.Vector)], r)
	}

	for dims, recs := range byDims {
		if err := e.ensureIndex(ctx, dims); err != nil {
			return &IndexError{Op: "upsert", Namespace: namespace, Err: err}
		}
		for start := 0; start < len(recs); start += e.batchSize {
			batch := recs[start:min(start+e.batchSize, len(recs))]
			if err := e.bulk(ctx, e.indexName(dims), namespace, batch); err != nil {
				return &IndexError{Op: "upsert", Namespace: namespace, Err: err}
			}
		}
		log.Infof("[ElasticIndex] 组织 %s 写入 %d 条记录到 %s", namespace, len(recs), e.indexName(dims))
	}
	return nil
}

func (e *ElasticIndex) bulk(ctx context.Context, index, namespace string, batch []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range batch {
		action := map[string]any{"index": map[string]any{"_index": index, "_id": r.ID}}
		if err := enc.Encode(action); err != nil {
			return err
		}
		doc := esChunk{
			ChunkID:        r.ID,
			DocumentID:     documentIDOf(r.Metadata),
			OrganizationID: namespace,
			ChunkIndex:     chunkIndexOf(r.Metadata),
			Text:           r.Text,
			Vector:         r.Vector,
			Metadata:       r.Metadata,
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	body, _, err := e.do(ctx, esapi.BulkRequest{Body: &buf, Refresh: "wait_for"})
	if err != nil {
		return err
	}
	var resp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if !resp.Errors {
		return nil
	}
	failed := 0
	var first string
	for _, item := range resp.Items {
		for _, result := range item {
			if result.Status >= 300 {
				failed++
				if first == "" {
					first = string(result.Error)
				}
			}
		}
	}
	return fmt.Errorf("bulk 写入有 %d 条失败: %s", failed, truncate(first, 256))
}

// Delete 在全部维度的索引上执行 delete_by_query。
func (e *ElasticIndex) Delete(ctx context.Context, namespace string, filter Filter) (int, error) {
	if namespace == "" {
		return 0, &IndexError{Op: "delete", Err: errors.New("namespace is required")}
	}
	body, err := json.Marshal(map[string]any{"query": boolQuery(namespace, filter)})
	if err != nil {
		return 0, err
	}
	yes := true
	respBody, status, err := e.do(ctx, esapi.DeleteByQueryRequest{
		Index:          []string{e.pattern()},
		Body:           bytes.NewReader(body),
		Refresh:        &yes,
		AllowNoIndices: &yes,
		Conflicts:      "proceed",
	})
	if status == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, &IndexError{Op: "delete", Namespace: namespace, Err: err}
	}
	var resp struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, &IndexError{Op: "delete", Namespace: namespace, Err: err}
	}
	return resp.Deleted, nil
}

// Query 执行 kNN 检索，ES 的 cosine 得分为 (1+cos)/2，这里换算回余弦相似度。
func (e *ElasticIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if namespace == "" {
		return nil, &IndexError{Op: "query", Err: errors.New("namespace is required")}
	}
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	query := map[string]any{
		"size": topK,
		"knn": map[string]any{
			"field":          "vector",
			"query_vector":   vector,
			"k":              topK,
			"num_candidates": max(topK*10, 100),
			"filter":         boolQuery(namespace, filter),
		},
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	respBody, status, err := e.do(ctx, esapi.SearchRequest{
		Index: []string{e.indexName(len(vector))},
		Body:  bytes.NewReader(body),
	})
	if status == http.StatusNotFound {
		// 该维度尚无索引
		return nil, nil
	}
	if err != nil {
		return nil, &IndexError{Op: "query", Namespace: namespace, Err: err}
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source esChunk `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &IndexError{Op: "query", Namespace: namespace, Err: fmt.Errorf("解析搜索响应失败: %w", err)}
	}
	results := make([]SearchResult, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		results = append(results, SearchResult{
			ChunkID:    hit.ID,
			DocumentID: hit.Source.DocumentID,
			Text:       hit.Source.Text,
			Metadata:   hit.Source.Metadata,
			Similarity: clamp01(2*hit.Score - 1),
		})
	}
	return results, nil
}

// Stats 枚举前缀下的全部索引，按维度分别计数。
func (e *ElasticIndex) Stats(ctx context.Context, namespace string) (Stats, error) {
	catBody, status, err := e.do(ctx, esapi.CatIndicesRequest{
		Index:  []string{e.pattern()},
		Format: "json",
		H:      []string{"index"},
	})
	if status == http.StatusNotFound {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, &IndexError{Op: "stats", Namespace: namespace, Err: err}
	}
	var indices []struct {
		Index string `json:"index"`
	}
	if err := json.Unmarshal(catBody, &indices); err != nil {
		return Stats{}, &IndexError{Op: "stats", Namespace: namespace, Err: err}
	}

	st := Stats{Dimensions: make(map[int]int)}
	best := 0
	for _, idx := range indices {
		dims, err := strconv.Atoi(strings.TrimPrefix(idx.Index, e.prefix+"-"))
		if err != nil {
			continue
		}
		query := map[string]any{"match_all": map[string]any{}}
		if namespace != "" {
			query = boolQuery(namespace, nil)
		}
		body, _ := json.Marshal(map[string]any{"query": query})
		countBody, _, err := e.do(ctx, esapi.CountRequest{Index: []string{idx.Index}, Body: bytes.NewReader(body)})
		if err != nil {
			return Stats{}, &IndexError{Op: "stats", Namespace: namespace, Err: err}
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(countBody, &resp); err != nil {
			return Stats{}, &IndexError{Op: "stats", Namespace: namespace, Err: err}
		}
		if resp.Count == 0 {
			continue
		}
		st.Dimensions[dims] = resp.Count
		st.VectorCount += resp.Count
		if resp.Count > best {
			best, st.Dimension = resp.Count, dims
		}
	}
	return st, nil
}

// boolQuery 将命名空间与元数据过滤条件转换为 bool/filter 查询。
func boolQuery(namespace string, filter Filter) map[string]any {
	terms := []map[string]any{term("organization_id", namespace)}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field := "metadata." + k
		switch k {
		case "document_id", "organization_id", "chunk_id":
			field = k
		}
		terms = append(terms, term(field, filter[k]))
	}
	return map[string]any{"bool": map[string]any{"filter": terms}}
}

func term(field, value string) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

func chunkIndexOf(metadata map[string]any) int {
	switch v := metadata["chunk_index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
