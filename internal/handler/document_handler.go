// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"askdocs-go/internal/middleware"
	"askdocs-go/internal/model"
	"askdocs-go/internal/pipeline"
	"askdocs-go/internal/service"
	"askdocs-go/pkg/log"
)

// 单个上传文件的大小上限
const maxUploadBytes = 64 << 20

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ProgressSubscriber 提供进度订阅，*pipeline.ProgressTracker 满足该接口。
type ProgressSubscriber interface {
	Subscribe(documentID string) (<-chan model.IngestionProgress, func())
}

// DocumentHandler 负责处理所有与文档入库相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
	progress   ProgressSubscriber
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService, progress ProgressSubscriber) *DocumentHandler {
	return &DocumentHandler{
		docService: docService,
		progress:   progress,
	}
}

// uploadForm 是上传接口除文件外的表单字段。
type uploadForm struct {
	DocumentID   string `form:"documentId"`
	MimeType     string `form:"mimeType"`
	SourceSystem string `form:"sourceSystem"`
	SourceURL    string `form:"sourceUrl"`
	Title        string `form:"title"`
	Author       string `form:"author"`
	LastModified string `form:"lastModified"`
}

type uploadedFile struct {
	form     uploadForm
	content  []byte
	fileName string
	mimeType string
	modified time.Time
}

// readUpload 解析 multipart 表单中的 file 字段和附带的元数据。
func readUpload(c *gin.Context) (*uploadedFile, error) {
	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		return nil, fmt.Errorf("表单参数错误: %w", err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, errors.New("缺少上传文件 file")
	}
	if fh.Size > maxUploadBytes {
		return nil, fmt.Errorf("文件过大, 上限为 %d 字节", maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("无法读取上传文件: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("无法读取上传文件: %w", err)
	}

	up := &uploadedFile{form: form, content: content, fileName: fh.Filename}
	up.mimeType = form.MimeType
	if up.mimeType == "" {
		up.mimeType = fh.Header.Get("Content-Type")
	}
	if form.LastModified != "" {
		t, err := time.Parse(time.RFC3339, form.LastModified)
		if err != nil {
			return nil, fmt.Errorf("lastModified 须为 RFC3339 格式: %w", err)
		}
		up.modified = t
	}
	return up, nil
}

// Ingest 处理同步入库请求，流水线结束后返回结果。
func (h *DocumentHandler) Ingest(c *gin.Context) {
	up, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
		return
	}

	req := pipeline.IngestRequest{
		Content:        up.content,
		MimeType:       up.mimeType,
		FileName:       up.fileName,
		OrganizationID: middleware.OrganizationID(c),
		DocumentID:     up.form.DocumentID,
		SourceSystem:   up.form.SourceSystem,
		SourceURL:      up.form.SourceURL,
	}
	if up.form.Title != "" || up.form.Author != "" || !up.modified.IsZero() {
		req.MetadataOverride = &pipeline.MetadataOverride{
			Title:        up.form.Title,
			Author:       up.form.Author,
			LastModified: up.modified,
		}
	}

	result := h.docService.Ingest(c.Request.Context(), req, nil)
	if !result.Success {
		status := http.StatusUnprocessableEntity
		if result.Stage == model.StageEmbedding || result.Stage == model.StageIndexing {
			status = http.StatusBadGateway
		}
		log.Warnf("[DocumentHandler] 文档 %s 入库失败, stage: %s, error: %s", result.DocumentID, result.Stage, result.Error)
		c.JSON(status, gin.H{"code": status, "message": "文档入库失败", "data": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文档入库成功", "data": result})
}

// Enqueue 处理异步入库请求，文件写入对象存储后立即返回。
func (h *DocumentHandler) Enqueue(c *gin.Context) {
	up, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
		return
	}

	receipt, err := h.docService.Enqueue(c.Request.Context(), service.UploadRequest{
		Content:        up.content,
		FileName:       up.fileName,
		MimeType:       up.mimeType,
		OrganizationID: middleware.OrganizationID(c),
		DocumentID:     up.form.DocumentID,
		SourceSystem:   up.form.SourceSystem,
		SourceURL:      up.form.SourceURL,
		Title:          up.form.Title,
		Author:         up.form.Author,
	})
	if errors.Is(err, service.ErrAsyncDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "异步入库未启用", "data": nil})
		return
	}
	if err != nil {
		log.Error("Enqueue: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "提交入库任务失败", "data": nil})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "入库任务已提交", "data": receipt})
}

// DeleteDocument 处理删除文档的请求。
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	documentID := c.Param("documentId")
	deleted, err := h.docService.Delete(c.Request.Context(), documentID, middleware.OrganizationID(c))
	if err != nil {
		log.Error("DeleteDocument: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除文档失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "删除成功", "data": gin.H{"documentId": documentID, "deleted": deleted}})
}

// GetDocument 返回文档的入库记录。
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	doc, err := h.docService.Get(c.Request.Context(), c.Param("documentId"), middleware.OrganizationID(c))
	if errors.Is(err, service.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "文档不存在", "data": nil})
		return
	}
	if err != nil {
		log.Error("GetDocument: failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取文档失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": doc})
}

// GetProgress 返回文档当前的入库进度。
func (h *DocumentHandler) GetProgress(c *gin.Context) {
	p, ok := h.docService.Progress(c.Param("documentId"))
	if !ok || p.OrganizationID != middleware.OrganizationID(c) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "没有该文档的入库进度", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": p})
}

// StreamProgress 通过 WebSocket 推送入库进度，到达终态后关闭连接。
func (h *DocumentHandler) StreamProgress(c *gin.Context) {
	documentID := c.Param("documentId")
	org := middleware.OrganizationID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.progress.Subscribe(documentID)
	defer cancel()

	// 客户端断开时读循环退出
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			log.Infof("[DocumentHandler] 进度订阅方已断开, DocumentID: %s", documentID)
			return
		case p, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"))
				return
			}
			if p.OrganizationID != "" && p.OrganizationID != org {
				continue
			}
			if err := conn.WriteJSON(p); err != nil {
				if !strings.Contains(err.Error(), "close") {
					log.Warnf("[DocumentHandler] 推送进度失败: %v", err)
				}
				return
			}
		}
	}
}
