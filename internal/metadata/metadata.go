// Package metadata 从抽取出的文本派生标题、语言、计数、日期、链接等元数据。
package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"askdocs-go/internal/chunker"
	"askdocs-go/internal/extractor"
	"askdocs-go/internal/model"
	"askdocs-go/pkg/llm"
	"askdocs-go/pkg/log"
)

const (
	// UntitledDocument 是标题推断全部失败时的占位标题。
	UntitledDocument = "Untitled Document"
	// LanguageUnknown 表示文本过短或无法可靠识别语言。
	LanguageUnknown = "unknown"

	maxTitleLen   = 100
	maxDates      = 5
	maxURLs       = 10
	languageProbe = 2000
)

var (
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,\s*(\d{4})\b`)
	urlRe       = regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`)
	pageMarker  = regexp.MustCompile(`^--- Page \d+ ---$`)
)

// Extractor 负责元数据增强。generator 为空时跳过 AI 增强。
type Extractor struct {
	tokenizer chunker.Tokenizer
	generator llm.Generator
	now       func() time.Time
}

// Option 配置 Extractor。
type Option func(*Extractor)

// WithGenerator 启用 AI 增强（摘要、主题、文档类型、实体、情感）。
func WithGenerator(g llm.Generator) Option {
	return func(e *Extractor) { e.generator = g }
}

// WithClock 替换时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// New 创建 Extractor，tokenizer 应与分块器共用以保证计数一致。
func New(tokenizer chunker.Tokenizer, opts ...Option) *Extractor {
	if tokenizer == nil {
		tokenizer = chunker.WordTokenizer{}
	}
	e := &Extractor{tokenizer: tokenizer, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich 在格式元数据之上补充派生字段。AI 增强失败只记录告警，不影响其余字段。
func (e *Extractor) Enrich(ctx context.Context, text string, format model.FormatMetadata, ids model.DocumentIdentity) model.EnrichedMetadata {
	meta := model.EnrichedMetadata{
		FormatMetadata: format,
		DocumentID:     ids.DocumentID,
		OrganizationID: ids.OrganizationID,
		SourceSystem:   ids.SourceSystem,
		SourceURL:      ids.SourceURL,
		Title:          Title(text, format),
		Author:         format.Author,
		Language:       DetectLanguage(text),
		WordCount:      len(strings.Fields(text)),
		TokenCount:     e.tokenizer.Count(text),
		CharCount:      utf8.RuneCountInString(text),
		MentionedDates: ExtractDates(text),
		URLs:           ExtractURLs(text),
		LastModified:   e.now().UTC(),
	}

	if e.generator != nil && strings.TrimSpace(text) != "" {
		ai, err := e.enrichWithAI(ctx, text)
		if err != nil {
			log.Warnf("[Metadata] 文档 %s 的 AI 增强失败，仅保留基础元数据: %v", ids.DocumentID, err)
		} else {
			meta.AISummary = ai.Summary
			meta.AITopics = ai.Topics
			meta.DocumentType = ai.DocumentType
			meta.KeyEntities = ai.KeyEntities
			meta.Sentiment = ai.Sentiment
		}
	}
	return meta
}

// Title 依次尝试：文件自带标题、首个短行、首个 Markdown 一级标题、首个短句、文件名。
func Title(text string, format model.FormatMetadata) string {
	if t := strings.TrimSpace(format.Title); t != "" {
		return t
	}
	if t := firstShortLine(text); t != "" {
		return t
	}
	if t := extractor.FirstHeading(text); t != "" {
		return t
	}
	if sentences := chunker.SplitSentences(chunker.Normalize(text)); len(sentences) > 0 {
		s := strings.Join(strings.Fields(sentences[0]), " ")
		if hasLetter(s) && utf8.RuneCountInString(s) <= maxTitleLen {
			return s
		}
	}
	if format.FileName != "" {
		name := strings.TrimSuffix(filepath.Base(format.FileName), filepath.Ext(format.FileName))
		name = strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(name))
		if name != "" {
			return name
		}
	}
	return UntitledDocument
}

// firstShortLine 返回第一个非空且不超过 100 字符的行，去掉标题标记；只有标记或无字母的行被跳过。
func firstShortLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pageMarker.MatchString(line) || strings.HasPrefix(line, "Sheet: ") {
			continue
		}
		candidate := strings.TrimSpace(strings.TrimLeft(line, "#"))
		if !hasLetter(candidate) {
			continue
		}
		if utf8.RuneCountInString(candidate) > maxTitleLen {
			return ""
		}
		return candidate
	}
	return ""
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// DetectLanguage 返回 ISO 639-1 语言代码，结果不可靠时返回 "unknown"。
func DetectLanguage(text string) string {
	if len(strings.Fields(text)) < 3 {
		return LanguageUnknown
	}
	if utf8.RuneCountInString(text) > languageProbe {
		text = string([]rune(text)[:languageProbe])
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return LanguageUnknown
	}
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return LanguageUnknown
}

// ExtractDates 识别 ISO、美式与 "Month DD, YYYY" 三种日期写法，统一为 YYYY-MM-DD，去重后最多保留 5 个。
func ExtractDates(text string) []string {
	type hit struct {
		pos  int
		date string
	}
	var hits []hit
	for _, m := range isoDateRe.FindAllStringSubmatchIndex(text, -1) {
		if d, ok := makeDate(text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]); ok {
			hits = append(hits, hit{m[0], d})
		}
	}
	for _, m := range usDateRe.FindAllStringSubmatchIndex(text, -1) {
		if d, ok := makeDate(text[m[6]:m[7]], text[m[2]:m[3]], text[m[4]:m[5]]); ok {
			hits = append(hits, hit{m[0], d})
		}
	}
	for _, m := range monthDateRe.FindAllStringSubmatchIndex(text, -1) {
		month, ok := monthNumber(text[m[2]:m[3]])
		if !ok {
			continue
		}
		if d, ok := makeDate(text[m[6]:m[7]], strconv.Itoa(month), text[m[4]:m[5]]); ok {
			hits = append(hits, hit{m[0], d})
		}
	}

	// 按出现顺序输出
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	seen := make(map[string]bool)
	var dates []string
	for _, h := range hits {
		if seen[h.date] {
			continue
		}
		seen[h.date] = true
		dates = append(dates, h.date)
		if len(dates) == maxDates {
			break
		}
	}
	return dates
}

func makeDate(year, month, day string) (string, bool) {
	y, err1 := strconv.Atoi(year)
	m, err2 := strconv.Atoi(month)
	d, err3 := strconv.Atoi(day)
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d), true
}

func monthNumber(name string) (int, bool) {
	name = strings.ToLower(name)
	if len(name) < 3 {
		return 0, false
	}
	for m := time.January; m <= time.December; m++ {
		if strings.HasPrefix(strings.ToLower(m.String()), name[:3]) {
			return int(m), true
		}
	}
	return 0, false
}

// ExtractURLs 返回去重后的 http(s) 链接，最多 10 个。
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range urlRe.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
		if len(urls) == maxURLs {
			break
		}
	}
	return urls
}
