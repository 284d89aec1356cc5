package metadata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askdocs-go/internal/model"
	"askdocs-go/pkg/llm"
)

const englishText = `Quarterly supplier review

The finance team reviewed every supplier invoice received during the third quarter.
Payments were approved on 2024-09-30 and the next review is scheduled for October 15, 2024.
Questions about the process should be sent to the accounts payable mailbox, and the full
report is available at https://intranet.example.com/reports/q3. The previous report from 07/01/2024
can be found at https://intranet.example.com/reports/q2.`

type fakeGenerator struct {
	text  string
	err   error
	calls int
	last  llm.GenerateRequest
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.GenerateResult{Success: true, Text: f.text}, nil
}

func fixedClock() time.Time { return time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC) }

func TestEnrich_BasicFields(t *testing.T) {
	e := New(nil, WithClock(fixedClock))
	ids := model.DocumentIdentity{DocumentID: "doc-1", OrganizationID: "org-1", SourceSystem: "upload"}
	meta := e.Enrich(context.Background(), englishText, model.FormatMetadata{Format: "text", Author: "Finance"}, ids)

	assert.Equal(t, "Quarterly supplier review", meta.Title)
	assert.Equal(t, "en", meta.Language)
	assert.Equal(t, len(strings.Fields(englishText)), meta.WordCount)
	assert.Equal(t, meta.WordCount, meta.TokenCount)
	assert.Equal(t, len([]rune(englishText)), meta.CharCount)
	assert.Equal(t, []string{"2024-09-30", "2024-10-15", "2024-07-01"}, meta.MentionedDates)
	assert.Equal(t, []string{"https://intranet.example.com/reports/q3", "https://intranet.example.com/reports/q2"}, meta.URLs)
	assert.Equal(t, "doc-1", meta.DocumentID)
	assert.Equal(t, "org-1", meta.OrganizationID)
	assert.Equal(t, "upload", meta.SourceSystem)
	assert.Equal(t, "Finance", meta.Author)
	assert.Equal(t, fixedClock(), meta.LastModified)
	assert.Empty(t, meta.AISummary)
}

func TestTitleCascade(t *testing.T) {
	long := strings.Repeat("word ", 40)
	tests := []struct {
		name   string
		text   string
		format model.FormatMetadata
		want   string
	}{
		{"format title wins", "First line", model.FormatMetadata{Title: "From File"}, "From File"},
		{"first short line", "\n\n  Meeting notes  \nbody", model.FormatMetadata{}, "Meeting notes"},
		{"heading markers stripped", "## Plan\ntext", model.FormatMetadata{}, "Plan"},
		{"page marker skipped", "--- Page 1 ---\nAnnual Report\nmore", model.FormatMetadata{}, "Annual Report"},
		{"long first line without sentences", long + "\n\nshort", model.FormatMetadata{}, UntitledDocument},
		{"file name", "12345", model.FormatMetadata{FileName: "dir/q3_budget-final.txt"}, "q3 budget final"},
		{"untitled", "", model.FormatMetadata{}, UntitledDocument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Title(tc.text, tc.format))
		})
	}

	// 首行超长时回退到首个短句
	text := "Short opening sentence. " + strings.Repeat("filler ", 30)
	assert.Equal(t, "Short opening sentence.", Title(text, model.FormatMetadata{}))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, LanguageUnknown, DetectLanguage("hi there"))
	assert.Equal(t, LanguageUnknown, DetectLanguage(""))
	assert.Equal(t, "en", DetectLanguage(englishText))
}

func TestExtractDates_CapsAndRejectsInvalid(t *testing.T) {
	text := "2024-02-30 is invalid. 2024-01-01, 2024-01-02, 2024-01-03, 01/04/2024, Jan 5th, 2024, 2024-01-06, 2024-01-01"
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}, ExtractDates(text))
	assert.Empty(t, ExtractDates("no dates here 13/45/2024"))
}

func TestExtractURLs_Cap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 15; i++ {
		b.WriteString("see https://example.com/p")
		b.WriteByte(byte('a' + i))
		b.WriteString(". ")
	}
	urls := ExtractURLs(b.String())
	assert.Len(t, urls, 10)
	assert.Equal(t, "https://example.com/pa", urls[0])
}

func TestEnrich_WithAI(t *testing.T) {
	gen := &fakeGenerator{text: "Here you go:\n```json\n" +
		`{"summary":" Q3 supplier review. ","topics":["invoices","suppliers","","payments","finance","audit","extra"],` +
		`"document_type":"Report","key_entities":["Finance team"],"sentiment":"Neutral"}` + "\n```"}
	e := New(nil, WithGenerator(gen), WithClock(fixedClock))

	long := englishText + strings.Repeat(" padding", 1000)
	meta := e.Enrich(context.Background(), long, model.FormatMetadata{}, model.DocumentIdentity{DocumentID: "d"})

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "Q3 supplier review.", meta.AISummary)
	assert.Equal(t, []string{"invoices", "suppliers", "payments", "finance", "audit"}, meta.AITopics)
	assert.Equal(t, "report", meta.DocumentType)
	assert.Equal(t, []string{"Finance team"}, meta.KeyEntities)
	assert.Equal(t, "neutral", meta.Sentiment)
	assert.Less(t, len([]rune(gen.last.Prompt)), aiInputLimit+len(aiPromptTemplate))
}

func TestEnrich_AIFailureDegrades(t *testing.T) {
	for name, gen := range map[string]*fakeGenerator{
		"backend error": {err: errors.New("503")},
		"not json":      {text: "sorry, I cannot help"},
		"broken json":   {text: `{"summary": }`},
	} {
		t.Run(name, func(t *testing.T) {
			e := New(nil, WithGenerator(gen))
			meta := e.Enrich(context.Background(), englishText, model.FormatMetadata{}, model.DocumentIdentity{})
			assert.Equal(t, "Quarterly supplier review", meta.Title)
			assert.NotZero(t, meta.WordCount)
			assert.Empty(t, meta.AISummary)
			assert.Empty(t, meta.AITopics)
		})
	}
}

func TestParseAIEnrichment(t *testing.T) {
	out, err := parseAIEnrichment(`{"summary":"s","topics":["a"]}`)
	require.NoError(t, err)
	assert.Equal(t, "s", out.Summary)
	_, err = parseAIEnrichment("}{")
	assert.Error(t, err)
}
