package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"askdocs-go/internal/extractor"
	"askdocs-go/internal/model"
	"askdocs-go/internal/pipeline"
	"askdocs-go/internal/repository"
	"askdocs-go/pkg/log"
	"askdocs-go/pkg/storage"
	"askdocs-go/pkg/tasks"
)

var (
	// ErrAsyncDisabled 表示未配置对象存储或消息队列。
	ErrAsyncDisabled = errors.New("asynchronous ingestion is not configured")
	// ErrDocumentNotFound 表示文档不存在或不属于该组织。
	ErrDocumentNotFound = errors.New("document not found")
)

// Ingester 是入库流水线对外暴露的操作，*pipeline.Processor 满足该接口。
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest, sink pipeline.ProgressSink) model.IngestionResult
	Delete(ctx context.Context, documentID, organizationID string) (bool, error)
	GetProgress(documentID string) (model.IngestionProgress, bool)
}

// ObjectWriter 保存待异步处理的原始文件。
type ObjectWriter interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) error
	Remove(ctx context.Context, objectName string) error
}

// TaskPublisher 投递入库任务。
type TaskPublisher interface {
	PublishIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// UploadRequest 是异步上传的输入。
type UploadRequest struct {
	Content        []byte
	FileName       string
	MimeType       string
	OrganizationID string
	DocumentID     string
	SourceSystem   string
	SourceURL      string
	Title          string
	Author         string
}

// UploadReceipt 是异步上传的回执。
type UploadReceipt struct {
	DocumentID string    `json:"documentId"`
	ObjectName string    `json:"objectName"`
	QueuedAt   time.Time `json:"queuedAt"`
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest, sink pipeline.ProgressSink) model.IngestionResult
	Enqueue(ctx context.Context, req UploadRequest) (*UploadReceipt, error)
	Delete(ctx context.Context, documentID, organizationID string) (bool, error)
	Get(ctx context.Context, documentID, organizationID string) (*model.Document, error)
	Progress(documentID string) (model.IngestionProgress, bool)
}

type documentService struct {
	ingester  Ingester
	docs      repository.DocumentRepository
	objects   ObjectWriter
	publisher TaskPublisher
}

// NewDocumentService 创建一个新的 DocumentService 实例。objects 或 publisher 为空时不支持异步上传。
func NewDocumentService(ingester Ingester, docs repository.DocumentRepository, objects ObjectWriter, publisher TaskPublisher) DocumentService {
	return &documentService{
		ingester:  ingester,
		docs:      docs,
		objects:   objects,
		publisher: publisher,
	}
}

// Ingest 同步入库。
func (s *documentService) Ingest(ctx context.Context, req pipeline.IngestRequest, sink pipeline.ProgressSink) model.IngestionResult {
	return s.ingester.Ingest(ctx, req, sink)
}

// Enqueue 把原始文件存入对象存储并投递入库任务。
func (s *documentService) Enqueue(ctx context.Context, req UploadRequest) (*UploadReceipt, error) {
	if s.objects == nil || s.publisher == nil {
		return nil, ErrAsyncDisabled
	}
	if req.DocumentID == "" {
		req.DocumentID = uuid.NewString()
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = extractor.DetectMimeType(req.FileName)
	}

	// 1. 保存原始文件
	objectName := storage.RawObjectName(req.OrganizationID, req.DocumentID)
	if err := s.objects.Put(ctx, objectName, req.Content, mimeType); err != nil {
		return nil, err
	}

	// 2. 先写一条 processing 记录，便于查询状态
	if s.docs != nil {
		if err := s.docs.Upsert(ctx, &model.Document{
			DocumentID:     req.DocumentID,
			OrganizationID: req.OrganizationID,
			SourceSystem:   req.SourceSystem,
			SourceURL:      req.SourceURL,
			Title:          req.Title,
			Author:         req.Author,
			FileName:       req.FileName,
			MimeType:       mimeType,
			Status:         model.DocumentStatusProcessing,
			LastModified:   time.Now().UTC(),
		}); err != nil {
			log.Warnf("[DocumentService] 写入待处理文档行失败: %v", err)
		}
	}

	// 3. 投递任务，失败时清理已上传的文件
	task := tasks.IngestTask{
		DocumentID:     req.DocumentID,
		OrganizationID: req.OrganizationID,
		ObjectName:     objectName,
		FileName:       req.FileName,
		MimeType:       mimeType,
		SourceSystem:   req.SourceSystem,
		SourceURL:      req.SourceURL,
		Title:          req.Title,
		Author:         req.Author,
	}
	if err := s.publisher.PublishIngestTask(ctx, task); err != nil {
		if rmErr := s.objects.Remove(ctx, objectName); rmErr != nil {
			log.Warnf("[DocumentService] 清理对象 %s 失败: %v", objectName, rmErr)
		}
		return nil, fmt.Errorf("投递入库任务失败: %w", err)
	}
	log.Infof("[DocumentService] 入库任务已投递, DocumentID: %s, Object: %s", req.DocumentID, objectName)
	return &UploadReceipt{DocumentID: req.DocumentID, ObjectName: objectName, QueuedAt: time.Now().UTC()}, nil
}

// Delete 删除文档。
func (s *documentService) Delete(ctx context.Context, documentID, organizationID string) (bool, error) {
	return s.ingester.Delete(ctx, documentID, organizationID)
}

// Get 返回组织内的文档行。
func (s *documentService) Get(ctx context.Context, documentID, organizationID string) (*model.Document, error) {
	if s.docs == nil {
		return nil, ErrDocumentNotFound
	}
	doc, err := s.docs.FindByID(ctx, documentID, organizationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Progress 返回入库进度。
func (s *documentService) Progress(documentID string) (model.IngestionProgress, bool) {
	return s.ingester.GetProgress(documentID)
}
