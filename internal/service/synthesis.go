package service

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"askdocs-go/internal/config"
	"askdocs-go/internal/model"
)

// 相关度分档阈值。
const (
	highRelevance     = 0.6
	moderateRelevance = 0.45
	maxExcerptRunes   = 1000
	templateExcerpt   = 300
)

const defaultRules = "You answer questions using only the provided document excerpts. " +
	"Cite sources by their bracketed number. If the excerpts do not contain the answer, say so."

var bandInstructions = map[string]string{
	"high":     "The retrieved sources are highly relevant to the question. Answer directly and cite them.",
	"moderate": "The retrieved sources are only moderately relevant. Answer with what they support and point out any gaps.",
	"low":      "The retrieved sources have low relevance to the question. Hedge your answer, state clearly that the evidence is weak, and do not speculate beyond the excerpts.",
}

// RelevanceBand 把平均相关度映射为定性分档。
func RelevanceBand(avg float64) string {
	switch {
	case avg >= highRelevance:
		return "high"
	case avg >= moderateRelevance:
		return "moderate"
	default:
		return "low"
	}
}

func averageRelevance(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		sum += s.Relevance
	}
	return sum / float64(len(sources))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}

// buildContextText 构建带相关度的上下文块。
func buildContextText(sources []Source, agg *model.AggregateResult) string {
	var b strings.Builder
	if agg != nil {
		b.WriteString("Structured results:\n")
		b.WriteString(aggregateAnswer(agg, nil))
		b.WriteString("\n\n")
	}
	for i, s := range sources {
		label := s.Title
		if label == "" {
			label = "unknown"
		}
		if s.SourceSystem != "" {
			label += ", " + s.SourceSystem
		}
		fmt.Fprintf(&b, "[%d] (%s, relevance %.2f) %s\n", i+1, label, s.Relevance, truncateRunes(s.Excerpt, maxExcerptRunes))
	}
	return b.String()
}

// buildSystemMessage 组合规则、相关度指示与上下文。
func buildSystemMessage(prompt config.LLMPromptConfig, band, contextText string) string {
	rules := prompt.Rules
	if rules == "" {
		rules = defaultRules
	}
	refStart := prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var b strings.Builder
	b.WriteString(rules)
	b.WriteString("\n\n")
	b.WriteString(bandInstructions[band])
	b.WriteString("\n\n")
	b.WriteString(refStart)
	b.WriteString("\n")
	b.WriteString(contextText)
	b.WriteString(refEnd)
	return b.String()
}

// templateAnswer 是没有可用生成后端时的摘录列表。
func templateAnswer(sources []Source, agg *model.AggregateResult, dr *DateRange) string {
	var b strings.Builder
	if agg != nil {
		b.WriteString(aggregateAnswer(agg, dr))
		if len(sources) > 0 {
			b.WriteString("\n\n")
		}
	}
	if len(sources) > 0 {
		b.WriteString("Here are the most relevant excerpts I found:\n")
		for i, s := range sources {
			title := s.Title
			if title == "" {
				title = "Untitled Document"
			}
			fmt.Fprintf(&b, "\n%d. %s (relevance %d%%): %s", i+1, title, int(s.Relevance*100+0.5), truncateRunes(s.Excerpt, templateExcerpt))
		}
	}
	return b.String()
}

func formatBySource(bySource map[string]int64) string {
	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if bySource[names[i]] != bySource[names[j]] {
			return bySource[names[i]] > bySource[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s (%d)", name, bySource[name])
	}
	return strings.Join(parts, ", ")
}

func plural(n int64, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// aggregateAnswer 把结构化聚合结果写成一句确定的回答。
func aggregateAnswer(agg *model.AggregateResult, dr *DateRange) string {
	scope := ""
	if dr != nil {
		scope = " " + dr.Normalized()
	}
	switch agg.Kind {
	case model.AggregateCountAboutTopic:
		s := fmt.Sprintf("Found %s about %q%s.", plural(agg.TotalCount, "document"), agg.Keyword, scope)
		if len(agg.BySource) > 0 {
			s += " By source: " + formatBySource(agg.BySource) + "."
		}
		return s
	case model.AggregateCountBySource:
		if agg.TotalCount == 0 {
			return "No documents are indexed" + scope + "."
		}
		return fmt.Sprintf("You have %s indexed%s: %s.", plural(agg.TotalCount, "document"), scope, formatBySource(agg.BySource))
	case model.AggregateTopSenders:
		if len(agg.Top) == 0 {
			return "No documents with sender information were found" + scope + "."
		}
		var b strings.Builder
		b.WriteString("Top senders" + scope + ":")
		for i, row := range agg.Top {
			fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, row.Label, plural(row.Value, "document"))
		}
		return b.String()
	case model.AggregateLongest, model.AggregateShortest:
		if len(agg.Top) == 0 {
			return "No indexed documents were found" + scope + "."
		}
		adj := "longest"
		if agg.Kind == model.AggregateShortest {
			adj = "shortest"
		}
		return fmt.Sprintf("The %s document%s is %q with %s.", adj, scope, agg.Top[0].Label, plural(agg.Top[0].Value, "word"))
	case model.AggregateMostRecent:
		if len(agg.Top) == 0 {
			return "No indexed documents were found" + scope + "."
		}
		when := time.Unix(agg.Top[0].Value, 0).UTC().Format(dateLayout)
		return fmt.Sprintf("The most recent document%s is %q (last modified %s).", scope, agg.Top[0].Label, when)
	}
	return fmt.Sprintf("Aggregate %s returned %d.", agg.Kind, agg.TotalCount)
}

// systemContext 描述组织当前的索引情况。
type systemContext struct {
	DocumentCount int64
	ChunkCount    int
	Sources       map[string]int64
}

func (c systemContext) sourcesText() string {
	if len(c.Sources) == 0 {
		return "No sources are connected yet."
	}
	return "Connected sources: " + formatBySource(c.Sources) + "."
}

// noResultsAnswer 是检索为空时的确定性回答。
func noResultsAnswer(query string, sys systemContext) string {
	return fmt.Sprintf("I couldn't find any relevant documents for %q. Your organization currently has %s indexed. %s",
		query, plural(sys.DocumentCount, "document"), sys.sourcesText())
}

// metaAnswer 回答关于系统本身的问题，不引用任何文档。
func metaAnswer(topic MetaTopic, sys systemContext) string {
	switch topic {
	case MetaDocumentCount:
		return fmt.Sprintf("Your organization has %s indexed (%d searchable chunks). %s",
			plural(sys.DocumentCount, "document"), sys.ChunkCount, sys.sourcesText())
	case MetaSources:
		if len(sys.Sources) == 0 {
			return "No sources are connected yet, so there are no documents to search."
		}
		return fmt.Sprintf("I can search %s from these sources: %s.", plural(sys.DocumentCount, "document"), formatBySource(sys.Sources))
	default:
		return fmt.Sprintf("I answer questions about your organization's documents (%s indexed). "+
			"Ask about their content, or ask for counts, top senders, or the longest and most recent documents. %s",
			plural(sys.DocumentCount, "document"), sys.sourcesText())
	}
}
