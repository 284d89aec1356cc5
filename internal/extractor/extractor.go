// Package extractor 将原始字节转换为纯文本与格式元数据。
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"askdocs-go/internal/model"
	"askdocs-go/pkg/log"
)

// 支持的 MIME 类型。
const (
	MimePDF         = "application/pdf"
	MimeDOCX        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeHTML        = "text/html"
	MimeXHTML       = "application/xhtml+xml"
	MimeMarkdown    = "text/markdown"
	MimeMarkdownAlt = "text/x-markdown"
	MimeText        = "text/plain"
	MimeCSV         = "text/csv"
	MimeJSON        = "application/json"
)

var extensionTypes = map[string]string{
	".pdf":      MimePDF,
	".docx":     MimeDOCX,
	".xlsx":     MimeXLSX,
	".html":     MimeHTML,
	".htm":      MimeHTML,
	".xhtml":    MimeXHTML,
	".md":       MimeMarkdown,
	".markdown": MimeMarkdown,
	".txt":      MimeText,
	".text":     MimeText,
	".log":      MimeText,
	".csv":      MimeCSV,
	".json":     MimeJSON,
}

// Kind 区分抽取失败的类别。
type Kind string

const (
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorrupt           Kind = "corrupt"
)

var (
	// ErrUnsupportedFormat 可用 errors.Is 判断格式不受支持。
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCorrupt 可用 errors.Is 判断文件损坏或无法解析。
	ErrCorrupt = errors.New("corrupt file")
)

// ExtractionError 是可恢复的、按文档上报的抽取失败。
type ExtractionError struct {
	Kind     Kind
	MimeType string
	FileName string
	Err      error
}

func (e *ExtractionError) Error() string {
	name := e.FileName
	if name == "" {
		name = "<unnamed>"
	}
	if e.Err != nil {
		return fmt.Sprintf("extract %s (%s): %s: %v", name, e.MimeType, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s (%s): %s", name, e.MimeType, e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is 让 errors.Is 可以按类别匹配哨兵错误。
func (e *ExtractionError) Is(target error) bool {
	switch target {
	case ErrUnsupportedFormat:
		return e.Kind == KindUnsupportedFormat
	case ErrCorrupt:
		return e.Kind == KindCorrupt
	}
	return false
}

// TextExtractor 是外部文本抽取服务（如 Tika）的抽象。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName, mimeType string) (string, error)
}

// formatHandler 返回抽取文本及该格式特有的元数据字段。
type formatHandler func(ctx context.Context, content []byte) (string, model.FormatMetadata, error)

// Extractor 按 MIME 类型分派到具体的格式解析器。
type Extractor struct {
	handlers map[string]formatHandler
	fallback TextExtractor
}

// Option 配置 Extractor。
type Option func(*Extractor)

// WithFallback 为内置解析器不支持的格式设置兜底抽取服务。
func WithFallback(f TextExtractor) Option {
	return func(e *Extractor) { e.fallback = f }
}

// New 创建带有全部内置解析器的 Extractor。
func New(opts ...Option) *Extractor {
	e := &Extractor{
		handlers: map[string]formatHandler{
			MimePDF:         extractPDF,
			MimeDOCX:        extractDOCX,
			MimeXLSX:        extractXLSX,
			MimeHTML:        extractHTML,
			MimeXHTML:       extractHTML,
			MimeMarkdown:    extractMarkdown,
			MimeMarkdownAlt: extractMarkdown,
			MimeText:        plainText("text"),
			MimeCSV:         plainText("csv"),
			MimeJSON:        plainText("json"),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports 判断给定 MIME 类型能否被处理（包括兜底服务）。
func (e *Extractor) Supports(mimeType string) bool {
	if _, ok := e.handlers[normalizeMime(mimeType)]; ok {
		return true
	}
	return e.fallback != nil
}

// DetectMimeType 根据文件扩展名推断 MIME 类型，未知时视为纯文本。
func DetectMimeType(fileName string) string {
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(fileName))]; ok {
		return t
	}
	return MimeText
}

func normalizeMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Extract 抽取文本。mimeType 为空时根据 fileName 推断。
// 返回的 FormatMetadata 总是记录输入字节数与输出字符数。
func (e *Extractor) Extract(ctx context.Context, content []byte, mimeType, fileName string) (*model.ExtractedContent, error) {
	mimeType = normalizeMime(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = DetectMimeType(fileName)
	}

	var (
		text string
		meta model.FormatMetadata
		err  error
	)
	handler, ok := e.handlers[mimeType]
	switch {
	case ok:
		text, meta, err = handler(ctx, content)
		if err != nil {
			var ee *ExtractionError
			if errors.As(err, &ee) {
				return nil, ee
			}
			return nil, &ExtractionError{Kind: KindCorrupt, MimeType: mimeType, FileName: fileName, Err: err}
		}
	case e.fallback != nil:
		log.Infof("[Extractor] 内置解析器不支持 %s，转交兜底服务处理: %s", mimeType, fileName)
		text, err = e.fallback.ExtractText(ctx, bytes.NewReader(content), fileName, mimeType)
		if err != nil {
			return nil, &ExtractionError{Kind: KindCorrupt, MimeType: mimeType, FileName: fileName, Err: err}
		}
		meta = model.FormatMetadata{Format: "external", Extra: map[string]string{"extracted_by": "tika"}}
	default:
		return nil, &ExtractionError{Kind: KindUnsupportedFormat, MimeType: mimeType, FileName: fileName}
	}

	meta.MimeType = mimeType
	meta.FileName = fileName
	meta.ByteCount = len(content)
	meta.CharCount = utf8.RuneCountInString(text)
	return &model.ExtractedContent{Text: text, Format: meta}, nil
}
