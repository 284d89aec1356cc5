package model

import (
	"strconv"
	"time"
)

// FormatMetadata 是格式解析阶段产出的元数据。
type FormatMetadata struct {
	MimeType       string            `json:"mime_type"`
	Format         string            `json:"format"`
	FileName       string            `json:"file_name,omitempty"`
	Title          string            `json:"format_title,omitempty"`
	Description    string            `json:"description,omitempty"`
	Author         string            `json:"format_author,omitempty"`
	PageCount      int               `json:"page_count,omitempty"`
	SheetCount     int               `json:"sheet_count,omitempty"`
	ParagraphCount int               `json:"paragraph_count,omitempty"`
	TableCount     int               `json:"table_count,omitempty"`
	ByteCount      int               `json:"byte_count"`
	CharCount      int               `json:"extracted_char_count"`
	Lossy          bool              `json:"lossy_decode,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// ExtractedContent 是 ContentExtractor 的输出。
type ExtractedContent struct {
	Text   string
	Format FormatMetadata
}

// EnrichedMetadata 在 FormatMetadata 之上补充派生字段。
type EnrichedMetadata struct {
	FormatMetadata

	DocumentID     string    `json:"document_id"`
	OrganizationID string    `json:"organization_id"`
	SourceSystem   string    `json:"source_system,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	Title          string    `json:"title"`
	Author         string    `json:"author,omitempty"`
	Language       string    `json:"language"`
	WordCount      int       `json:"word_count"`
	TokenCount     int       `json:"token_count"`
	CharCount      int       `json:"char_count"`
	MentionedDates []string  `json:"mentioned_dates,omitempty"`
	URLs           []string  `json:"urls,omitempty"`
	LastModified   time.Time `json:"last_modified"`

	AISummary    string   `json:"ai_summary,omitempty"`
	AITopics     []string `json:"ai_topics,omitempty"`
	DocumentType string   `json:"document_type,omitempty"`
	KeyEntities  []string `json:"key_entities,omitempty"`
	Sentiment    string   `json:"sentiment,omitempty"`
}

// ChunkMetadata 在 EnrichedMetadata 之上补充分块位置。
type ChunkMetadata struct {
	EnrichedMetadata

	ChunkIndex  int `json:"chunk_index"`
	TotalChunks int `json:"total_chunks"`
}

// Fields 将分块元数据展开为向量库使用的扁平键值。
func (m ChunkMetadata) Fields() map[string]any {
	f := map[string]any{
		"document_id":     m.DocumentID,
		"organization_id": m.OrganizationID,
		"title":           m.Title,
		"language":        m.Language,
		"mime_type":       m.MimeType,
		"format":          m.Format,
		"word_count":      m.WordCount,
		"token_count":     m.TokenCount,
		"char_count":      m.CharCount,
		"chunk_index":     m.ChunkIndex,
		"total_chunks":    m.TotalChunks,
	}
	if !m.LastModified.IsZero() {
		f["last_modified"] = m.LastModified.UTC().Format(time.RFC3339)
	}
	optional := map[string]string{
		"source_system": m.SourceSystem,
		"source_url":    m.SourceURL,
		"file_name":     m.FileName,
		"author":        m.Author,
		"description":   m.Description,
		"ai_summary":    m.AISummary,
		"document_type": m.DocumentType,
		"sentiment":     m.Sentiment,
	}
	for k, v := range optional {
		if v != "" {
			f[k] = v
		}
	}
	if m.PageCount > 0 {
		f["page_count"] = m.PageCount
	}
	if len(m.MentionedDates) > 0 {
		f["mentioned_dates"] = m.MentionedDates
	}
	if len(m.AITopics) > 0 {
		f["ai_topics"] = m.AITopics
	}
	if len(m.KeyEntities) > 0 {
		f["key_entities"] = m.KeyEntities
	}
	return f
}

// ChunkID 返回 "{document_id}#{chunk_index}" 形式的向量记录 ID。
func ChunkID(documentID string, chunkIndex int) string {
	return documentID + "#" + strconv.Itoa(chunkIndex)
}
