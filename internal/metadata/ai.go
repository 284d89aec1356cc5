package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"askdocs-go/pkg/llm"
)

const (
	aiInputLimit = 4000
	maxAITopics  = 5
)

const aiSystemPrompt = "You analyze documents and reply with a single JSON object only, no prose."

const aiPromptTemplate = `Analyze the document below and return JSON with exactly these keys:
{"summary": "2-3 sentence summary", "topics": ["3 to 5 short topics"], "document_type": "e.g. invoice, contract, report, email, meeting notes", "key_entities": ["people, companies, products"], "sentiment": "positive | neutral | negative"}

Document:
%s`

// AIEnrichment 是 AI 增强的结构化结果。
type AIEnrichment struct {
	Summary      string   `json:"summary"`
	Topics       []string `json:"topics"`
	DocumentType string   `json:"document_type"`
	KeyEntities  []string `json:"key_entities"`
	Sentiment    string   `json:"sentiment"`
}

// enrichWithAI 调用生成后端并解析 JSON 结果，任何失败都以 error 返回，由调用方决定降级。
func (e *Extractor) enrichWithAI(ctx context.Context, text string) (AIEnrichment, error) {
	if runes := []rune(text); len(runes) > aiInputLimit {
		text = string(runes[:aiInputLimit])
	}
	temp := 0.1
	res, err := e.generator.Generate(ctx, llm.GenerateRequest{
		Prompt:       fmt.Sprintf(aiPromptTemplate, text),
		SystemPrompt: aiSystemPrompt,
		Temperature:  &temp,
		MaxTokens:    500,
	})
	if err != nil {
		return AIEnrichment{}, err
	}
	if res == nil || !res.Success {
		return AIEnrichment{}, errors.New("generation returned no content")
	}
	return parseAIEnrichment(res.Text)
}

// parseAIEnrichment 容忍模型在 JSON 前后附带说明文字或代码围栏。
func parseAIEnrichment(raw string) (AIEnrichment, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return AIEnrichment{}, fmt.Errorf("no JSON object in response: %.80q", raw)
	}
	var out AIEnrichment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return AIEnrichment{}, fmt.Errorf("decode enrichment JSON: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	out.DocumentType = strings.ToLower(strings.TrimSpace(out.DocumentType))
	out.Sentiment = strings.ToLower(strings.TrimSpace(out.Sentiment))
	out.Topics = compact(out.Topics, maxAITopics)
	out.KeyEntities = compact(out.KeyEntities, 0)
	return out, nil
}

func compact(items []string, limit int) []string {
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
