package extractor

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"askdocs-go/internal/model"
	"askdocs-go/pkg/log"
)

// extractPDF 逐页抽取文本，每页前加 "--- Page N ---" 标记。
func extractPDF(_ context.Context, content []byte) (text string, meta model.FormatMetadata, err error) {
	meta.Format = "pdf"
	// 解析器遇到畸形文件时可能 panic
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", meta, err
	}
	meta.PageCount = reader.NumPage()

	var b strings.Builder
	for i := 1; i <= meta.PageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, perr := page.GetPlainText(nil)
		if perr != nil {
			log.Warnf("[Extractor] PDF 第 %d 页解析失败，跳过: %v", i, perr)
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Page %d ---\n%s", i, pageText)
	}

	if info := reader.Trailer().Key("Info"); !info.IsNull() {
		meta.Title = strings.TrimSpace(info.Key("Title").Text())
		meta.Author = strings.TrimSpace(info.Key("Author").Text())
	}
	return b.String(), meta, nil
}
