package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"askdocs-go/internal/model"
)

// extractDOCX 按正文顺序输出段落，表格逐行展开，单元格以 " | " 分隔。
func extractDOCX(_ context.Context, content []byte) (string, model.FormatMetadata, error) {
	meta := model.FormatMetadata{Format: "docx"}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", meta, err
	}

	var body *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/core.xml":
			meta.Title, meta.Author = readCoreProps(f)
		}
	}
	if body == nil {
		return "", meta, errors.New("word/document.xml not found")
	}

	rc, err := body.Open()
	if err != nil {
		return "", meta, err
	}
	defer rc.Close()

	w := &docxWalker{}
	if err := w.walk(rc); err != nil {
		return "", meta, err
	}
	meta.ParagraphCount = w.paragraphs
	meta.TableCount = w.tables
	return strings.Join(w.blocks, "\n\n"), meta, nil
}

// docxWalker 以流式方式遍历 document.xml，不把整棵树读进内存。
type docxWalker struct {
	blocks     []string
	paragraphs int
	tables     int

	tblDepth int
	inText   bool
	para     strings.Builder
	cell     strings.Builder
	row      []string
	rows     []string
}

func (w *docxWalker) walk(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t.Name.Local)
		case xml.EndElement:
			w.end(t.Name.Local)
		case xml.CharData:
			if w.inText {
				w.para.Write(t)
			}
		}
	}
}

func (w *docxWalker) start(name string) {
	switch name {
	case "tbl":
		w.tblDepth++
		if w.tblDepth == 1 {
			w.tables++
			w.rows = w.rows[:0]
		}
	case "tr":
		if w.tblDepth == 1 {
			w.row = w.row[:0]
		}
	case "tc":
		if w.tblDepth == 1 {
			w.cell.Reset()
		}
	case "p":
		w.para.Reset()
	case "t":
		w.inText = true
	case "tab":
		w.para.WriteByte('\t')
	case "br", "cr":
		w.para.WriteByte('\n')
	}
}

func (w *docxWalker) end(name string) {
	switch name {
	case "t":
		w.inText = false
	case "p":
		text := strings.TrimSpace(w.para.String())
		if text == "" {
			return
		}
		if w.tblDepth > 0 {
			if w.cell.Len() > 0 {
				w.cell.WriteByte(' ')
			}
			w.cell.WriteString(strings.Join(strings.Fields(text), " "))
			return
		}
		w.blocks = append(w.blocks, text)
		w.paragraphs++
	case "tc":
		if w.tblDepth == 1 {
			w.row = append(w.row, strings.TrimSpace(w.cell.String()))
		}
	case "tr":
		if w.tblDepth == 1 && !allEmpty(w.row) {
			w.rows = append(w.rows, strings.Join(w.row, " | "))
		}
	case "tbl":
		if w.tblDepth == 1 && len(w.rows) > 0 {
			w.blocks = append(w.blocks, strings.Join(w.rows, "\n"))
		}
		w.tblDepth--
	}
}

type coreProps struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
}

func readCoreProps(f *zip.File) (title, author string) {
	rc, err := f.Open()
	if err != nil {
		return "", ""
	}
	defer rc.Close()
	var core coreProps
	if err := xml.NewDecoder(rc).Decode(&core); err != nil {
		return "", ""
	}
	return strings.TrimSpace(core.Title), strings.TrimSpace(core.Creator)
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
