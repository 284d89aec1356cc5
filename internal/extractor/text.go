package extractor

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"askdocs-go/internal/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// plainText 直接按 UTF-8 解码，非法字节替换为 U+FFFD 并标记 Lossy。
func plainText(format string) formatHandler {
	return func(_ context.Context, content []byte) (string, model.FormatMetadata, error) {
		meta := model.FormatMetadata{Format: format}
		content = bytes.TrimPrefix(content, utf8BOM)
		if utf8.Valid(content) {
			return string(content), meta, nil
		}
		meta.Lossy = true
		return strings.ToValidUTF8(string(content), "\uFFFD"), meta, nil
	}
}
