package extractor

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	"askdocs-go/internal/model"
	"askdocs-go/pkg/log"
)

// extractXLSX 逐个工作表输出 "Sheet: <name>" 与各行内容，整行为空的行被跳过。
func extractXLSX(_ context.Context, content []byte) (string, model.FormatMetadata, error) {
	meta := model.FormatMetadata{Format: "xlsx"}
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", meta, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	meta.SheetCount = len(sheets)

	var blocks []string
	for _, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			log.Warnf("[Extractor] 读取工作表 %q 失败，跳过: %v", name, err)
			continue
		}
		lines := []string{"Sheet: " + name}
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = strings.TrimSpace(c)
			}
			if allEmpty(cells) {
				continue
			}
			lines = append(lines, strings.Join(cells, " | "))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}

	if props, err := f.GetDocProps(); err == nil && props != nil {
		meta.Title = strings.TrimSpace(props.Title)
		meta.Author = strings.TrimSpace(props.Creator)
	}
	return strings.Join(blocks, "\n\n"), meta, nil
}
