// Package pipeline 定义了文档入库的核心流程：抽取、元数据、分块、向量化、索引与图谱提示。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"askdocs-go/internal/model"
	"askdocs-go/pkg/graph"
	"askdocs-go/pkg/log"
	"askdocs-go/pkg/tasks"
	"askdocs-go/pkg/vectorindex"
)

const defaultMaxConcurrent = 3

// ContentExtractor 把原始字节转换为文本。
type ContentExtractor interface {
	Extract(ctx context.Context, content []byte, mimeType, fileName string) (*model.ExtractedContent, error)
}

// MetadataEnricher 派生文档级元数据。
type MetadataEnricher interface {
	Enrich(ctx context.Context, text string, format model.FormatMetadata, ids model.DocumentIdentity) model.EnrichedMetadata
}

// TextChunker 切分文本。
type TextChunker interface {
	Chunk(text string, meta model.EnrichedMetadata) []model.Chunk
}

// Embedder 批量生成向量，结果顺序与输入一致。
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentStore 是流水线用到的文档行操作。
type DocumentStore interface {
	Upsert(ctx context.Context, doc *model.Document) error
	UpdateStatus(ctx context.Context, documentID, organizationID, status, errMsg string, chunkCount int) error
	Delete(ctx context.Context, documentID, organizationID string) (bool, error)
}

// BlobStore 读取异步上传的原始文件。
type BlobStore interface {
	Get(ctx context.Context, objectName string) ([]byte, error)
	Remove(ctx context.Context, objectName string) error
}

// Deps 汇总 Processor 的依赖。Documents、Graph、Blobs 可以为空。
type Deps struct {
	Extractor ContentExtractor
	Metadata  MetadataEnricher
	Chunker   TextChunker
	Embedder  Embedder
	Index     vectorindex.Index
	Documents DocumentStore
	Graph     graph.Recorder
	Blobs     BlobStore
}

// MetadataOverride 由上游连接器提供，非空字段覆盖自动派生的值。
type MetadataOverride struct {
	Title        string
	Author       string
	LastModified time.Time
}

// IngestRequest 是一次入库调用的输入。DocumentID 为空时自动生成。
type IngestRequest struct {
	Content          []byte
	MimeType         string
	FileName         string
	OrganizationID   string
	DocumentID       string
	SourceSystem     string
	SourceURL        string
	MetadataOverride *MetadataOverride
}

// Processor 封装了文档入库的所有依赖和逻辑。
type Processor struct {
	deps     Deps
	progress *ProgressTracker
	sem      *semaphore.Weighted
	locks    *keyedMutex
	now      func() time.Time
}

// Option 配置 Processor。
type Option func(*Processor)

// WithMaxConcurrent 设置全局并发入库数上限。
func WithMaxConcurrent(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithProgressTracker 使用外部创建的进度跟踪器。
func WithProgressTracker(t *ProgressTracker) Option {
	return func(p *Processor) {
		if t != nil {
			p.progress = t
		}
	}
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(deps Deps, opts ...Option) *Processor {
	if deps.Graph == nil {
		deps.Graph = graph.NoopRecorder{}
	}
	p := &Processor{
		deps:     deps,
		progress: NewProgressTracker(defaultProgressRetention),
		sem:      semaphore.NewWeighted(defaultMaxConcurrent),
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Progress 返回进度跟踪器，供推送进度的调用方订阅。
func (p *Processor) Progress() *ProgressTracker {
	return p.progress
}

// GetProgress 返回文档最近一次入库的进度。
func (p *Processor) GetProgress(documentID string) (model.IngestionProgress, bool) {
	return p.progress.Get(documentID)
}

// run 记录单次入库的状态并负责上报。
type run struct {
	p        *Processor
	sink     ProgressSink
	progress model.IngestionProgress
}

func (r *run) report() {
	r.p.progress.Update(r.progress)
	if r.sink != nil {
		r.sink(r.progress)
	}
}

func (r *run) advance(stage model.Stage, message string) {
	r.progress.Stage = stage
	r.progress.Progress = model.StageProgress[stage]
	r.progress.Message = message
	r.report()
}

func (r *run) finish(success bool, message, errMsg string) {
	now := r.p.now().UTC()
	r.progress.Stage = model.StageComplete
	r.progress.Progress = model.StageProgress[model.StageComplete]
	r.progress.Message = message
	r.progress.CompletedAt = &now
	r.progress.Success = &success
	r.progress.Error = errMsg
	r.report()
}

// fail 结束本次入库并记录失败的阶段。
func (r *run) fail(ctx context.Context, stage model.Stage, err error) model.IngestionResult {
	docID := r.progress.DocumentID
	log.Errorf("[Processor] 文档 %s 在阶段 %s 失败: %v", docID, stage, err)
	if r.p.deps.Documents != nil {
		if uerr := r.p.deps.Documents.UpdateStatus(ctx, docID, r.progress.OrganizationID, model.DocumentStatusFailed, err.Error(), 0); uerr != nil {
			log.Warnf("[Processor] 更新文档 %s 状态失败: %v", docID, uerr)
		}
	}
	r.finish(false, fmt.Sprintf("failed during %s", stage), err.Error())
	return model.IngestionResult{
		Success:    false,
		DocumentID: docID,
		Stage:      stage,
		Error:      err.Error(),
	}
}

// Ingest 执行完整的入库流程。任何阶段失败都以 Success=false 返回，不会 panic 或返回 error。
func (p *Processor) Ingest(ctx context.Context, req IngestRequest, sink ProgressSink) model.IngestionResult {
	if req.DocumentID == "" {
		req.DocumentID = uuid.NewString()
	}
	r := &run{p: p, sink: sink, progress: model.IngestionProgress{
		DocumentID:     req.DocumentID,
		OrganizationID: req.OrganizationID,
		StartedAt:      p.now().UTC(),
	}}
	if req.OrganizationID == "" {
		return r.fail(ctx, model.StageInitialized, errors.New("organization id is required"))
	}

	// 同一文档的重新索引串行执行，再占用全局并发名额。
	// 拿到锁之后才上报 initialized，排队中的请求不覆盖正在进行的进度。
	unlock := p.locks.Lock(documentKey(req.OrganizationID, req.DocumentID))
	defer unlock()
	r.advance(model.StageInitialized, "queued")
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return r.fail(ctx, model.StageInitialized, fmt.Errorf("等待入库名额失败: %w", err))
	}
	defer p.sem.Release(1)

	log.Infof("[Processor] 开始处理文档, DocumentID: %s, FileName: %s, OrganizationID: %s", req.DocumentID, req.FileName, req.OrganizationID)
	p.saveRow(ctx, &model.Document{
		DocumentID:     req.DocumentID,
		OrganizationID: req.OrganizationID,
		SourceSystem:   req.SourceSystem,
		SourceURL:      req.SourceURL,
		FileName:       req.FileName,
		MimeType:       req.MimeType,
		Status:         model.DocumentStatusProcessing,
		LastModified:   p.now().UTC(),
	})

	// 1. 内容抽取
	r.advance(model.StageExtraction, "extracting text")
	extracted, err := p.deps.Extractor.Extract(ctx, req.Content, req.MimeType, req.FileName)
	if err != nil {
		return r.fail(ctx, model.StageExtraction, err)
	}
	log.Infof("[Processor] 步骤1: 文本抽取成功, 格式: %s, 字符数: %d", extracted.Format.Format, extracted.Format.CharCount)

	// 2. 元数据
	r.advance(model.StageMetadata, "deriving metadata")
	meta := p.deps.Metadata.Enrich(ctx, extracted.Text, extracted.Format, model.DocumentIdentity{
		DocumentID:     req.DocumentID,
		OrganizationID: req.OrganizationID,
		SourceSystem:   req.SourceSystem,
		SourceURL:      req.SourceURL,
	})
	applyOverride(&meta, req.MetadataOverride)

	// 3. 分块
	r.advance(model.StageChunking, "chunking text")
	chunks := p.deps.Chunker.Chunk(extracted.Text, meta)
	if len(chunks) == 0 {
		return r.fail(ctx, model.StageChunking, errors.New("document contains no extractable text"))
	}
	log.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 4. 向量化：先算完全部向量，再动旧数据
	r.advance(model.StageEmbedding, fmt.Sprintf("embedding %d chunks", len(chunks)))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return r.fail(ctx, model.StageEmbedding, err)
	}
	if len(vectors) != len(chunks) {
		return r.fail(ctx, model.StageEmbedding, fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors)))
	}

	// 5. 索引：删除旧分块后写入新分块
	r.advance(model.StageIndexing, "writing vectors")
	records := make([]vectorindex.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorindex.Record{
			ID:       c.ID(),
			Vector:   vectors[i],
			Text:     c.Text,
			Metadata: c.Metadata.Fields(),
		}
	}
	if err := p.replaceVectors(ctx, req.OrganizationID, req.DocumentID, records); err != nil {
		return r.fail(ctx, model.StageIndexing, err)
	}
	log.Infof("[Processor] 步骤5: %d 个向量已写入索引", len(records))

	p.saveRow(ctx, &model.Document{
		DocumentID:     req.DocumentID,
		OrganizationID: req.OrganizationID,
		SourceSystem:   req.SourceSystem,
		SourceURL:      req.SourceURL,
		Title:          meta.Title,
		Author:         meta.Author,
		FileName:       meta.FileName,
		MimeType:       meta.MimeType,
		Language:       meta.Language,
		WordCount:      meta.WordCount,
		CharCount:      meta.CharCount,
		ChunkCount:     len(chunks),
		Status:         model.DocumentStatusIndexed,
		LastModified:   meta.LastModified,
	})

	// 6. 图谱提示，失败不影响入库结果
	r.advance(model.StageGraph, "recording relationships")
	if err := p.deps.Graph.RecordRelationships(ctx, req.OrganizationID, req.DocumentID, graph.BuildHints(meta)); err != nil {
		log.Warnf("[Processor] 文档 %s 的图谱提示投递失败，已忽略: %v", req.DocumentID, err)
	}

	r.finish(true, "indexed", "")
	log.Infof("[Processor] 文档处理成功完成, DocumentID: %s", req.DocumentID)
	return model.IngestionResult{
		Success:        true,
		DocumentID:     req.DocumentID,
		ChunksCreated:  len(chunks),
		VectorsIndexed: len(records),
		Stage:          model.StageComplete,
	}
}

// replaceVectors 先删后写；写入失败时再删一次，确保不会留下半套分块。
func (p *Processor) replaceVectors(ctx context.Context, namespace, documentID string, records []vectorindex.Record) error {
	filter := vectorindex.Filter{"document_id": documentID}
	removed, err := p.deps.Index.Delete(ctx, namespace, filter)
	if err != nil {
		return fmt.Errorf("删除旧分块失败: %w", err)
	}
	if removed > 0 {
		log.Infof("[Processor] 已删除文档 %s 的 %d 个旧分块", documentID, removed)
	}
	if err := p.deps.Index.Upsert(ctx, namespace, records); err != nil {
		if _, derr := p.deps.Index.Delete(ctx, namespace, filter); derr != nil {
			return errors.Join(err, fmt.Errorf("回滚分块失败: %w", derr))
		}
		return err
	}
	return nil
}

func (p *Processor) saveRow(ctx context.Context, doc *model.Document) {
	if p.deps.Documents == nil {
		return
	}
	if err := p.deps.Documents.Upsert(ctx, doc); err != nil {
		log.Warnf("[Processor] 写入文档行失败, DocumentID: %s, Error: %v", doc.DocumentID, err)
	}
}

func applyOverride(meta *model.EnrichedMetadata, o *MetadataOverride) {
	if o == nil {
		return
	}
	if o.Title != "" {
		meta.Title = o.Title
	}
	if o.Author != "" {
		meta.Author = o.Author
	}
	if !o.LastModified.IsZero() {
		meta.LastModified = o.LastModified.UTC()
	}
}

// Delete 删除文档的全部分块与文档行，返回是否有内容被删除。
func (p *Processor) Delete(ctx context.Context, documentID, organizationID string) (bool, error) {
	unlock := p.locks.Lock(documentKey(organizationID, documentID))
	defer unlock()

	removed, err := p.deps.Index.Delete(ctx, organizationID, vectorindex.Filter{"document_id": documentID})
	if err != nil {
		return false, err
	}
	rowDeleted := false
	if p.deps.Documents != nil {
		if rowDeleted, err = p.deps.Documents.Delete(ctx, documentID, organizationID); err != nil {
			return removed > 0, fmt.Errorf("删除文档行失败: %w", err)
		}
	}
	p.progress.Remove(documentID)
	log.Infof("[Processor] 文档 %s 已删除, 分块数: %d", documentID, removed)
	return removed > 0 || rowDeleted, nil
}

// Process 处理来自 Kafka 的异步入库任务。
// 只有向量化与索引阶段的失败返回 error 以触发重试，其余失败重试也无法恢复。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	if p.deps.Blobs == nil {
		return errors.New("blob store is not configured")
	}
	content, err := p.deps.Blobs.Get(ctx, task.ObjectName)
	if err != nil {
		return err
	}

	req := IngestRequest{
		Content:        content,
		MimeType:       task.MimeType,
		FileName:       task.FileName,
		OrganizationID: task.OrganizationID,
		DocumentID:     task.DocumentID,
		SourceSystem:   task.SourceSystem,
		SourceURL:      task.SourceURL,
	}
	if task.Title != "" || task.Author != "" {
		req.MetadataOverride = &MetadataOverride{Title: task.Title, Author: task.Author}
	}

	result := p.Ingest(ctx, req, nil)
	if !result.Success && (result.Stage == model.StageEmbedding || result.Stage == model.StageIndexing) {
		return fmt.Errorf("ingest %s: %s", result.DocumentID, result.Error)
	}
	if err := p.deps.Blobs.Remove(ctx, task.ObjectName); err != nil {
		log.Warnf("[Processor] 删除原始文件 %s 失败: %v", task.ObjectName, err)
	}
	if !result.Success {
		log.Warnf("[Processor] 异步任务 %s 在阶段 %s 失败，不再重试: %s", result.DocumentID, result.Stage, result.Error)
	}
	return nil
}
