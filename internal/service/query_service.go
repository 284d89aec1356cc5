// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"askdocs-go/internal/config"
	"askdocs-go/internal/model"
	"askdocs-go/pkg/llm"
	"askdocs-go/pkg/log"
	"askdocs-go/pkg/vectorindex"
)

const (
	defaultMinSimilarity = 0.3
	defaultMaxSources    = 10
)

// 回答的生成方式。
const (
	SynthesisLLM       = "llm"
	SynthesisTemplate  = "template"
	SynthesisDirect    = "direct"
	SynthesisNoResults = "no_results"
)

// QueryRequest 是一次查询的输入。
type QueryRequest struct {
	Query          string `json:"query" binding:"required"`
	OrganizationID string `json:"-"`
	MaxSources     int    `json:"maxSources"`
	UseSynthesis   bool   `json:"useSynthesis"`
}

// Source 是回答引用的一篇文档。
type Source struct {
	DocumentID   string  `json:"documentId"`
	ChunkID      string  `json:"chunkId"`
	Title        string  `json:"title"`
	SourceSystem string  `json:"sourceSystem,omitempty"`
	SourceURL    string  `json:"sourceUrl,omitempty"`
	Excerpt      string  `json:"excerpt"`
	Relevance    float64 `json:"relevance"`
}

// QueryMetrics 记录查询过程的统计。
type QueryMetrics struct {
	TotalMs          int64   `json:"totalMs"`
	RetrievalMs      int64   `json:"retrievalMs"`
	SynthesisMs      int64   `json:"synthesisMs"`
	CandidatesFound  int     `json:"candidatesFound"`
	SourcesUsed      int     `json:"sourcesUsed"`
	AverageRelevance float64 `json:"averageRelevance"`
	RelevanceBand    string  `json:"relevanceBand,omitempty"`
	IndexedDocuments int64   `json:"indexedDocuments"`
	IndexedChunks    int     `json:"indexedChunks"`
	PromptTokens     int     `json:"promptTokens,omitempty"`
	CompletionTokens int     `json:"completionTokens,omitempty"`
}

// QueryResponse 是查询的结果，Answer 永远非空。
type QueryResponse struct {
	Answer          string                 `json:"answer"`
	Sources         []Source               `json:"sources"`
	Metrics         QueryMetrics           `json:"metrics"`
	SynthesisMethod string                 `json:"synthesisMethod"`
	Intent          Intent                 `json:"intent"`
	Aggregate       *model.AggregateResult `json:"aggregate,omitempty"`
	DateRange       *DateRange             `json:"dateRange,omitempty"`
}

// QueryError 表示查询无法继续，例如查询向量无法生成。
type QueryError struct {
	Stage string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed during %s: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// QueryEmbedder 生成查询向量。
type QueryEmbedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// DocumentStats 提供计数与聚合，repository.DocumentRepository 满足该接口。
type DocumentStats interface {
	CountByOrganization(ctx context.Context, organizationID string) (int64, error)
	CountBySource(ctx context.Context, organizationID string) (map[string]int64, error)
	Aggregate(ctx context.Context, q model.AggregateQuery) (*model.AggregateResult, error)
}

// QueryDeps 汇总 QueryService 的依赖。Generator 为空时只用模板回答。
type QueryDeps struct {
	Embedder  QueryEmbedder
	Index     vectorindex.Index
	Documents DocumentStats
	Generator llm.Generator
}

// QueryService 定义了查询操作的接口。
type QueryService interface {
	ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error)
}

type queryService struct {
	deps   QueryDeps
	cfg    config.QueryConfig
	llmCfg config.LLMConfig
	now    func() time.Time
}

// QueryOption 配置 QueryService。
type QueryOption func(*queryService)

// WithQueryClock 注入当前时间，用于解析相对时间表达式。
func WithQueryClock(now func() time.Time) QueryOption {
	return func(s *queryService) { s.now = now }
}

// NewQueryService 创建一个新的 QueryService 实例。
func NewQueryService(deps QueryDeps, cfg config.QueryConfig, llmCfg config.LLMConfig, opts ...QueryOption) QueryService {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = defaultMinSimilarity
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaultMaxSources
	}
	s := &queryService{deps: deps, cfg: cfg, llmCfg: llmCfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessQuery 执行完整的查询流程。只有查询向量无法生成或检索失败时返回 error。
func (s *queryService) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, &QueryError{Stage: "validation", Err: fmt.Errorf("query is empty")}
	}
	log.Infof("[QueryService] 开始处理查询, org: %s, query: '%s'", req.OrganizationID, query)

	// 1. 系统上下文
	sys := s.systemContext(ctx, req.OrganizationID)

	// 2. 时间表达式与意图
	dateRange, stripped := ParseTemporal(query, s.now())
	class := ClassifyIntent(stripped)
	log.Infof("[QueryService] 意图: %s, 聚合: %s, 时间范围: %v", class.Intent, class.Aggregate, dateRange != nil)

	resp := &QueryResponse{Intent: class.Intent, DateRange: dateRange, Sources: []Source{}}
	resp.Metrics.IndexedDocuments = sys.DocumentCount
	resp.Metrics.IndexedChunks = sys.ChunkCount
	defer func() { resp.Metrics.TotalMs = time.Since(start).Milliseconds() }()

	if class.Intent == IntentMeta {
		s.answerMeta(ctx, resp, query, class.Meta, sys, req.UseSynthesis)
		return resp, nil
	}

	// 3. 聚合（混合模式下与语义检索并行存在）
	if class.Intent == IntentAggregate {
		resp.Aggregate = s.aggregate(ctx, req.OrganizationID, class, dateRange)
	}

	// 4. 语义检索
	retrievalStart := time.Now()
	searchText := query
	if dateRange != nil {
		searchText = query + " " + dateRange.Normalized()
	}
	var sources []Source
	if sys.DocumentCount > 0 || sys.ChunkCount > 0 {
		var err error
		sources, resp.Metrics.CandidatesFound, err = s.retrieve(ctx, req, searchText, dateRange)
		if err != nil {
			if class.Intent != IntentAggregate {
				return nil, err
			}
			log.Warnf("[QueryService] 聚合查询的语义检索失败，仅使用结构化结果: %v", err)
		}
	}
	resp.Metrics.RetrievalMs = time.Since(retrievalStart).Milliseconds()
	if sources != nil {
		resp.Sources = sources
	}
	resp.Metrics.SourcesUsed = len(sources)

	// 6. 无结果
	if len(sources) == 0 && resp.Aggregate == nil {
		resp.Answer = noResultsAnswer(query, sys)
		resp.SynthesisMethod = SynthesisNoResults
		return resp, nil
	}

	// 5. 生成回答
	avg := averageRelevance(sources)
	band := RelevanceBand(avg)
	resp.Metrics.AverageRelevance = avg
	if len(sources) > 0 {
		resp.Metrics.RelevanceBand = band
	}
	synthStart := time.Now()
	s.synthesize(ctx, resp, query, band, req.UseSynthesis)
	resp.Metrics.SynthesisMs = time.Since(synthStart).Milliseconds()

	log.Infof("[QueryService] 查询完成, 引用 %d 个来源, 生成方式: %s", len(sources), resp.SynthesisMethod)
	return resp, nil
}

func (s *queryService) systemContext(ctx context.Context, org string) systemContext {
	var sys systemContext
	if s.deps.Documents != nil {
		n, err := s.deps.Documents.CountByOrganization(ctx, org)
		if err != nil {
			log.Warnf("[QueryService] 统计文档数失败: %v", err)
		}
		sys.DocumentCount = n
		if sys.Sources, err = s.deps.Documents.CountBySource(ctx, org); err != nil {
			log.Warnf("[QueryService] 统计来源失败: %v", err)
		}
	}
	if st, err := s.deps.Index.Stats(ctx, org); err != nil {
		log.Warnf("[QueryService] 读取向量索引统计失败: %v", err)
	} else {
		sys.ChunkCount = st.VectorCount
	}
	return sys
}

func (s *queryService) aggregate(ctx context.Context, org string, class Classification, dr *DateRange) *model.AggregateResult {
	if s.deps.Documents == nil {
		return nil
	}
	q := model.AggregateQuery{Kind: class.Aggregate, OrganizationID: org, Keyword: class.Keyword}
	if dr != nil {
		q.From, q.To = dr.From, dr.To
	}
	res, err := s.deps.Documents.Aggregate(ctx, q)
	if err != nil {
		log.Warnf("[QueryService] 聚合查询 %s 失败: %v", class.Aggregate, err)
		return nil
	}
	return res
}

func (s *queryService) retrieve(ctx context.Context, req QueryRequest, searchText string, dr *DateRange) ([]Source, int, error) {
	vector, err := s.deps.Embedder.EmbedSingle(ctx, searchText)
	if err != nil {
		return nil, 0, &QueryError{Stage: "embedding", Err: err}
	}
	limit := req.MaxSources
	if limit <= 0 || limit > s.cfg.MaxSources {
		limit = s.cfg.MaxSources
	}
	hits, err := vectorindex.SearchDeduplicated(ctx, s.deps.Index, req.OrganizationID, vector, limit, nil)
	if err != nil {
		return nil, 0, &QueryError{Stage: "retrieval", Err: err}
	}
	candidates := len(hits)

	var kept []vectorindex.SearchResult
	for _, h := range hits {
		if h.Similarity >= s.cfg.MinSimilarity {
			kept = append(kept, h)
		}
	}
	if dr != nil {
		kept = filterByDate(kept, *dr)
	}

	sources := make([]Source, 0, len(kept))
	for _, h := range kept {
		sources = append(sources, Source{
			DocumentID:   h.DocumentID,
			ChunkID:      h.ChunkID,
			Title:        stringField(h.Metadata, "title"),
			SourceSystem: stringField(h.Metadata, "source_system"),
			SourceURL:    stringField(h.Metadata, "source_url"),
			Excerpt:      h.Text,
			Relevance:    h.Similarity,
		})
	}
	return sources, candidates, nil
}

// filterByDate 优先保留提及日期或修改时间落在范围内的结果；全部被过滤时保留原结果。
func filterByDate(hits []vectorindex.SearchResult, dr DateRange) []vectorindex.SearchResult {
	var inRange []vectorindex.SearchResult
	for _, h := range hits {
		if hitInRange(h.Metadata, dr) {
			inRange = append(inRange, h)
		}
	}
	if len(inRange) == 0 {
		return hits
	}
	return inRange
}

func hitInRange(meta map[string]any, dr DateRange) bool {
	dates := stringList(meta["mentioned_dates"])
	if len(dates) > 0 {
		for _, d := range dates {
			if t, err := time.ParseInLocation(dateLayout, d, dr.From.Location()); err == nil && dr.Contains(t) {
				return true
			}
		}
	}
	if lm := stringField(meta, "last_modified"); lm != "" {
		if t, err := time.Parse(time.RFC3339, lm); err == nil && dr.Contains(t) {
			return true
		}
	}
	return len(dates) == 0 && stringField(meta, "last_modified") == ""
}

func stringField(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (s *queryService) generationRequest(prompt, system string) llm.GenerateRequest {
	gen := s.llmCfg.Generation
	req := llm.GenerateRequest{Prompt: prompt, SystemPrompt: system, MaxTokens: gen.MaxTokens}
	if gen.Temperature > 0 {
		t := gen.Temperature
		req.Temperature = &t
	}
	return req
}

// synthesize 调用生成后端，失败时降级为模板回答。
func (s *queryService) synthesize(ctx context.Context, resp *QueryResponse, query, band string, useSynthesis bool) {
	fallback := func() {
		resp.Answer = templateAnswer(resp.Sources, resp.Aggregate, resp.DateRange)
		resp.SynthesisMethod = SynthesisTemplate
	}
	if !useSynthesis || s.deps.Generator == nil {
		fallback()
		return
	}

	system := buildSystemMessage(s.llmCfg.Prompt, band, buildContextText(resp.Sources, resp.Aggregate))
	result, err := s.deps.Generator.Generate(ctx, s.generationRequest(query, system))
	if err != nil || result == nil || strings.TrimSpace(result.Text) == "" {
		log.Warnf("[QueryService] 生成回答失败，降级为模板回答: %v", err)
		fallback()
		return
	}
	resp.Answer = strings.TrimSpace(result.Text)
	resp.SynthesisMethod = SynthesisLLM
	resp.Metrics.PromptTokens = result.Usage.PromptTokens
	resp.Metrics.CompletionTokens = result.Usage.CompletionTokens
}

// answerMeta 回答元问题，可选地让生成后端润色。
func (s *queryService) answerMeta(ctx context.Context, resp *QueryResponse, query string, topic MetaTopic, sys systemContext, useSynthesis bool) {
	answer := metaAnswer(topic, sys)
	resp.Answer = answer
	resp.SynthesisMethod = SynthesisDirect
	if !useSynthesis || s.deps.Generator == nil {
		return
	}
	system := "Rephrase the facts below as a short, friendly answer to the user's question. Do not add any facts.\n\nFacts: " + answer
	result, err := s.deps.Generator.Generate(ctx, s.generationRequest(query, system))
	if err != nil || result == nil || strings.TrimSpace(result.Text) == "" {
		log.Warnf("[QueryService] 润色元问题回答失败，使用模板: %v", err)
		return
	}
	resp.Answer = strings.TrimSpace(result.Text)
	resp.SynthesisMethod = SynthesisLLM
}
