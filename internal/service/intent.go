package service

import (
	"regexp"
	"strings"

	"askdocs-go/internal/model"
)

// Intent 是查询的路由类别。
type Intent string

const (
	IntentContent   Intent = "content"
	IntentAggregate Intent = "aggregate"
	IntentMeta      Intent = "meta"
)

// MetaTopic 是关于系统本身的问题类型。
type MetaTopic string

const (
	MetaDocumentCount MetaTopic = "document_count"
	MetaSources       MetaTopic = "sources"
	MetaCapabilities  MetaTopic = "capabilities"
)

// Classification 是意图识别的结果。
type Classification struct {
	Intent    Intent
	Aggregate model.AggregateKind
	Meta      MetaTopic
	Keyword   string
}

type intentRule struct {
	pattern   *regexp.Regexp
	intent    Intent
	aggregate model.AggregateKind
	meta      MetaTopic
}

const docNoun = `(?:documents?|docs?|files?|emails?|messages?|records?)`

// 按顺序匹配，聚合规则比通用的元问题更具体，必须排在前面。
var intentRules = []intentRule{
	{
		pattern:   regexp.MustCompile(`\bwho\s+(?:has\s+)?(?:emailed|e-mailed|messaged|sent|written|wrote|contacted)\s+(?:me\s+)?(?:the\s+)?most\b|\btop\s+(?:senders?|authors?|contributors?)\b|\bmost\s+(?:frequent|active|common)\s+(?:senders?|authors?)\b`),
		intent:    IntentAggregate,
		aggregate: model.AggregateTopSenders,
	},
	{
		pattern:   regexp.MustCompile(`\bhow\s+many\s+` + docNoun + `\s+(?:are\s+|do\s+i\s+have\s+|have\s+i\s+got\s+)?(?:about|on|regarding|concerning|mentioning|mention|related\s+to|with)\s+(.+)`),
		intent:    IntentAggregate,
		aggregate: model.AggregateCountAboutTopic,
	},
	{
		pattern:   regexp.MustCompile(`\b(?:longest|biggest|largest)\s+` + docNoun + `\b`),
		intent:    IntentAggregate,
		aggregate: model.AggregateLongest,
	},
	{
		pattern:   regexp.MustCompile(`\b(?:shortest|smallest)\s+` + docNoun + `\b`),
		intent:    IntentAggregate,
		aggregate: model.AggregateShortest,
	},
	{
		pattern:   regexp.MustCompile(`\b(?:most\s+recent|latest|newest|last\s+(?:received|added|indexed))\s+` + docNoun + `\b`),
		intent:    IntentAggregate,
		aggregate: model.AggregateMostRecent,
	},
	{
		pattern:   regexp.MustCompile(`\b` + docNoun + `\s+(?:per|by|from\s+each)\s+(?:source|integration|system)\b|\bbreakdown\s+by\s+source\b`),
		intent:    IntentAggregate,
		aggregate: model.AggregateCountBySource,
	},
	{
		pattern: regexp.MustCompile(`\bhow\s+many\s+` + docNoun + `\b`),
		intent:  IntentMeta,
		meta:    MetaDocumentCount,
	},
	{
		pattern: regexp.MustCompile(`\b(?:what|which)\s+(?:data\s+)?(?:sources|integrations|systems|connectors)\b|\bwhat\s+(?:do\s+you|can\s+you)\s+(?:have\s+)?access\b`),
		intent:  IntentMeta,
		meta:    MetaSources,
	},
	{
		pattern: regexp.MustCompile(`\bwhat\s+can\s+you\s+do\b|\bwhat\s+are\s+your\s+capabilities\b|\bhow\s+(?:do|can)\s+(?:i|you)\s+use\s+(?:you|this)\b|^\s*help\s*[?!.]*\s*$`),
		intent:  IntentMeta,
		meta:    MetaCapabilities,
	},
}

// ClassifyIntent 依次匹配规则，都不匹配时视为内容检索。
func ClassifyIntent(query string) Classification {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, rule := range intentRules {
		m := rule.pattern.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		c := Classification{Intent: rule.intent, Aggregate: rule.aggregate, Meta: rule.meta}
		if rule.aggregate == model.AggregateCountAboutTopic && len(m) > 1 {
			c.Keyword = topicKeyword(m[1])
			if c.Keyword == "" {
				// 没有主题词的“how many documents”交给后面的元问题规则
				continue
			}
		}
		return c
	}
	return Classification{Intent: IntentContent}
}

var keywordStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "my": true, "our": true, "any": true, "some": true,
	"all": true, "do": true, "i": true, "have": true, "there": true, "are": true, "is": true,
}

// topicKeyword 清理主题短语并把末尾名词转为单数，便于对标题做 LIKE 匹配。
func topicKeyword(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "?!.,;:")
	var words []string
	for _, w := range strings.Fields(raw) {
		w = strings.Trim(w, `"'“”‘’`)
		if w == "" || keywordStopWords[w] {
			continue
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return ""
	}
	words[len(words)-1] = Singularize(words[len(words)-1])
	return strings.Join(words, " ")
}

// Singularize 做最常见的英文复数还原。
func Singularize(word string) string {
	switch {
	case len(word) <= 3:
		return word
	case strings.HasSuffix(word, "ies"):
		return strings.TrimSuffix(word, "ies") + "y"
	case strings.HasSuffix(word, "sses"), strings.HasSuffix(word, "xes"), strings.HasSuffix(word, "ches"), strings.HasSuffix(word, "shes"):
		return strings.TrimSuffix(word, "es")
	case strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "us"), strings.HasSuffix(word, "is"):
		return word
	case strings.HasSuffix(word, "s"):
		return strings.TrimSuffix(word, "s")
	}
	return word
}
