package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildDOCX(t *testing.T, documentXML, coreXML string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	doc, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = doc.Write([]byte(documentXML))
	require.NoError(t, err)
	if coreXML != "" {
		core, err := w.Create("docProps/core.xml")
		require.NoError(t, err)
		_, err = core.Write([]byte(coreXML))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDetectMimeType(t *testing.T) {
	tests := map[string]string{
		"report.PDF":  MimePDF,
		"notes.md":    MimeMarkdown,
		"page.htm":    MimeHTML,
		"budget.xlsx": MimeXLSX,
		"memo.docx":   MimeDOCX,
		"data.csv":    MimeCSV,
		"README":      MimeText,
		"archive.bin": MimeText,
	}
	for name, want := range tests {
		assert.Equal(t, want, DetectMimeType(name), name)
	}
}

func TestExtract_PlainText(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), []byte("hello wörld"), "", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello wörld", res.Text)
	assert.Equal(t, MimeText, res.Format.MimeType)
	assert.Equal(t, 12, res.Format.ByteCount)
	assert.Equal(t, 11, res.Format.CharCount)
	assert.False(t, res.Format.Lossy)
}

func TestExtract_PlainTextLossyDecode(t *testing.T) {
	e := New()
	res, err := e.Extract(context.Background(), []byte{'o', 'k', 0xff, 0xfe, '!'}, "text/plain; charset=utf-8", "")
	require.NoError(t, err)
	assert.True(t, res.Format.Lossy)
	assert.Equal(t, "ok�!", res.Text)
	assert.Equal(t, 5, res.Format.ByteCount)
	assert.Equal(t, 4, res.Format.CharCount)
}

func TestExtract_HTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head>
<title> Quarterly   Report </title>
<meta name="description" content="Numbers for Q3">
<style>body { color: red; }</style>
<script>alert("hi")</script>
</head>
<body>
<h1>Heading</h1>
<p>First paragraph.</p>
<p>Second paragraph.</p>
</body></html>`
	res, err := New().Extract(context.Background(), []byte(page), MimeHTML, "r.html")
	require.NoError(t, err)
	assert.Equal(t, "html", res.Format.Format)
	assert.Equal(t, "Quarterly Report", res.Format.Title)
	assert.Equal(t, "Numbers for Q3", res.Format.Description)
	assert.Contains(t, res.Text, "First paragraph.")
	assert.Contains(t, res.Text, "Second paragraph.")
	assert.NotContains(t, res.Text, "alert")
	assert.NotContains(t, res.Text, "color")
	assert.NotContains(t, res.Text, "\r")
}

func TestExtract_Markdown(t *testing.T) {
	src := "```\n# not a title\n```\n\n# Onboarding Guide\n\nSome **bold** text.\n\n## Next\n\nMore."
	res, err := New().Extract(context.Background(), []byte(src), "", "guide.md")
	require.NoError(t, err)
	assert.Equal(t, "markdown", res.Format.Format)
	assert.Equal(t, "Onboarding Guide", res.Format.Title)
	assert.Contains(t, res.Text, "Some bold text.")
	assert.NotContains(t, res.Text, "**")
}

func TestExtract_DOCX(t *testing.T) {
	docXML := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Intro </w:t></w:r><w:r><w:t>paragraph</w:t></w:r></w:p>
<w:tbl>
  <w:tr><w:tc><w:p><w:r><w:t>Name</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Total</w:t></w:r></w:p></w:tc></w:tr>
  <w:tr><w:tc><w:p/></w:tc><w:tc><w:p/></w:tc></w:tr>
  <w:tr><w:tc><w:p><w:r><w:t>Acme</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>42</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>Closing</w:t></w:r></w:p>
</w:body>
</w:document>`
	coreXML := `<?xml version="1.0" encoding="UTF-8"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/">
<dc:title>Supplier Memo</dc:title>
<dc:creator>Jane Doe</dc:creator>
</cp:coreProperties>`

	res, err := New().Extract(context.Background(), buildDOCX(t, docXML, coreXML), "", "memo.docx")
	require.NoError(t, err)
	assert.Equal(t, "Intro paragraph\n\nName | Total\nAcme | 42\n\nClosing", res.Text)
	assert.Equal(t, "Supplier Memo", res.Format.Title)
	assert.Equal(t, "Jane Doe", res.Format.Author)
	assert.Equal(t, 2, res.Format.ParagraphCount)
	assert.Equal(t, 1, res.Format.TableCount)
}

func TestExtract_XLSX(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Amount"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Alice"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 100))
	require.NoError(t, f.SetCellValue("Sheet1", "A4", "Bob"))
	require.NoError(t, f.SetCellValue("Sheet1", "B4", 7))
	_, err := f.NewSheet("Empty")
	require.NoError(t, err)
	require.NoError(t, f.SetDocProps(&excelize.DocProperties{Title: "Budget", Creator: "Finance"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := New().Extract(context.Background(), buf.Bytes(), "", "budget.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "Sheet: Sheet1\nName | Amount\nAlice | 100\nBob | 7\n\nSheet: Empty", res.Text)
	assert.Equal(t, 2, res.Format.SheetCount)
	assert.Equal(t, "Budget", res.Format.Title)
}

func TestExtract_CorruptFiles(t *testing.T) {
	e := New()
	for _, tc := range []struct{ name, mime string }{
		{"broken.pdf", MimePDF},
		{"broken.docx", MimeDOCX},
		{"broken.xlsx", MimeXLSX},
	} {
		_, err := e.Extract(context.Background(), []byte("definitely not a real file"), tc.mime, tc.name)
		require.Error(t, err, tc.name)
		assert.ErrorIs(t, err, ErrCorrupt, tc.name)
		assert.NotErrorIs(t, err, ErrUnsupportedFormat, tc.name)
		var ee *ExtractionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, tc.name, ee.FileName)
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	_, err := New().Extract(context.Background(), []byte{0x00}, "image/png", "x.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.False(t, New().Supports("image/png"))
	assert.True(t, New().Supports("text/html; charset=utf-8"))
}

type fakeFallback struct {
	calls int
	err   error
}

func (f *fakeFallback) ExtractText(_ context.Context, r io.Reader, _ string, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	b, _ := io.ReadAll(r)
	return "via fallback: " + string(b), nil
}

func TestExtract_FallbackForUnknownTypes(t *testing.T) {
	fb := &fakeFallback{}
	e := New(WithFallback(fb))
	res, err := e.Extract(context.Background(), []byte("slides"), "application/vnd.ms-powerpoint", "deck.ppt")
	require.NoError(t, err)
	assert.Equal(t, "via fallback: slides", res.Text)
	assert.Equal(t, "tika", res.Format.Extra["extracted_by"])
	assert.Equal(t, 1, fb.calls)

	// 内置格式不经过兜底
	_, err = e.Extract(context.Background(), []byte("plain"), MimeText, "")
	require.NoError(t, err)
	assert.Equal(t, 1, fb.calls)

	fb.err = errors.New("tika down")
	_, err = e.Extract(context.Background(), []byte("x"), "application/rtf", "a.rtf")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFirstHeading(t *testing.T) {
	assert.Equal(t, "Title", FirstHeading("intro\n# Title #\n# Second"))
	assert.Equal(t, "", FirstHeading("## Only level two"))
}
