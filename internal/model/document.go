// Package model 定义了入库流水线与查询链路共享的数据结构。
package model

import "time"

// 文档在关系库中的处理状态。
const (
	DocumentStatusProcessing = "processing"
	DocumentStatusIndexed    = "indexed"
	DocumentStatusFailed     = "failed"
)

// Document 定义了 documents 表的 ORM 模型，聚合查询（计数、Top-N）基于此表。
// document_id 只在组织内唯一，(organization_id, document_id) 构成联合唯一键。
type Document struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID     string    `gorm:"type:varchar(64);uniqueIndex:idx_org_document,priority:2;not null" json:"documentId"`
	OrganizationID string    `gorm:"type:varchar(64);uniqueIndex:idx_org_document,priority:1;not null" json:"organizationId"`
	SourceSystem   string    `gorm:"type:varchar(50);index" json:"sourceSystem"`
	SourceURL      string    `gorm:"type:varchar(512)" json:"sourceUrl,omitempty"`
	Title          string    `gorm:"type:varchar(255)" json:"title"`
	Author         string    `gorm:"type:varchar(255);index" json:"author,omitempty"`
	FileName       string    `gorm:"type:varchar(255)" json:"fileName,omitempty"`
	MimeType       string    `gorm:"type:varchar(128)" json:"mimeType"`
	Language       string    `gorm:"type:varchar(16)" json:"language"`
	WordCount      int       `gorm:"not null;default:0" json:"wordCount"`
	CharCount      int       `gorm:"not null;default:0" json:"charCount"`
	ChunkCount     int       `gorm:"not null;default:0" json:"chunkCount"`
	Status         string    `gorm:"type:varchar(20);not null;default:processing;index" json:"status"`
	ErrorMessage   string    `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	LastModified   time.Time `json:"lastModified"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// RawDocument 是一次入库调用的原始输入，抽取完成后即丢弃。
type RawDocument struct {
	Content        []byte
	MimeType       string
	FileName       string
	SourceURL      string
	OrganizationID string
	DocumentID     string
}

// DocumentIdentity 标识文档的归属，随元数据传递到每个分块。
type DocumentIdentity struct {
	DocumentID     string
	OrganizationID string
	SourceSystem   string
	SourceURL      string
}
