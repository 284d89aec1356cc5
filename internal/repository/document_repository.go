// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"askdocs-go/internal/model"
)

const defaultAggregateLimit = 5

// ErrUnknownAggregate 表示不支持的聚合类型。
var ErrUnknownAggregate = errors.New("unknown aggregate kind")

// DocumentRepository 接口定义了文档元数据行的持久化操作，聚合查询基于此实现。
type DocumentRepository interface {
	Upsert(ctx context.Context, doc *model.Document) error
	UpdateStatus(ctx context.Context, documentID, organizationID, status, errMsg string, chunkCount int) error
	FindByID(ctx context.Context, documentID, organizationID string) (*model.Document, error)
	Delete(ctx context.Context, documentID, organizationID string) (bool, error)
	CountByOrganization(ctx context.Context, organizationID string) (int64, error)
	CountBySource(ctx context.Context, organizationID string) (map[string]int64, error)
	Aggregate(ctx context.Context, q model.AggregateQuery) (*model.AggregateResult, error)
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Upsert 按 (organization_id, document_id) 插入或覆盖文档行。
func (r *documentRepository) Upsert(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}, {Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_system", "source_url", "title", "author",
			"file_name", "mime_type", "language", "word_count", "char_count",
			"chunk_count", "status", "error_message", "last_modified", "updated_at",
		}),
	}).Create(doc).Error
}

// UpdateStatus 更新文档的处理状态。
func (r *documentRepository) UpdateStatus(ctx context.Context, documentID, organizationID, status, errMsg string, chunkCount int) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("document_id = ? AND organization_id = ?", documentID, organizationID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"chunk_count":   chunkCount,
		}).Error
}

// FindByID 在组织内根据 document_id 检索文档行。
func (r *documentRepository) FindByID(ctx context.Context, documentID, organizationID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND organization_id = ?", documentID, organizationID).
		First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete 删除组织内的文档行，返回是否确有记录被删除。
func (r *documentRepository) Delete(ctx context.Context, documentID, organizationID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("document_id = ? AND organization_id = ?", documentID, organizationID).
		Delete(&model.Document{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *documentRepository) indexed(ctx context.Context, organizationID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.Document{}).
		Where("organization_id = ? AND status = ?", organizationID, model.DocumentStatusIndexed)
}

// CountByOrganization 统计组织内已完成索引的文档数。
func (r *documentRepository) CountByOrganization(ctx context.Context, organizationID string) (int64, error) {
	var n int64
	err := r.indexed(ctx, organizationID).Count(&n).Error
	return n, err
}

// CountBySource 按来源系统统计已索引文档数。
func (r *documentRepository) CountBySource(ctx context.Context, organizationID string) (map[string]int64, error) {
	return r.countBySource(r.indexed(ctx, organizationID))
}

type sourceCount struct {
	SourceSystem string
	Total        int64
}

func (r *documentRepository) countBySource(q *gorm.DB) (map[string]int64, error) {
	var rows []sourceCount
	if err := q.Select("source_system, COUNT(*) AS total").Group("source_system").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		name := row.SourceSystem
		if name == "" {
			name = "unknown"
		}
		out[name] += row.Total
	}
	return out, nil
}

// Aggregate 执行一次结构化聚合查询。
func (r *documentRepository) Aggregate(ctx context.Context, q model.AggregateQuery) (*model.AggregateResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultAggregateLimit
	}
	scope := func() *gorm.DB {
		tx := r.indexed(ctx, q.OrganizationID)
		if !q.From.IsZero() {
			tx = tx.Where("last_modified >= ?", q.From)
		}
		if !q.To.IsZero() {
			tx = tx.Where("last_modified <= ?", q.To)
		}
		return tx
	}

	result := &model.AggregateResult{Kind: q.Kind, Keyword: q.Keyword}
	var errs []error

	switch q.Kind {
	case model.AggregateCountAboutTopic:
		kw := "%" + strings.ToLower(strings.TrimSpace(q.Keyword)) + "%"
		topic := func() *gorm.DB { return scope().Where("LOWER(title) LIKE ?", kw) }
		if err := topic().Count(&result.TotalCount).Error; err != nil {
			errs = append(errs, err)
		}
		bySource, err := r.countBySource(topic())
		if err != nil {
			errs = append(errs, err)
		}
		result.BySource = bySource

	case model.AggregateCountBySource:
		bySource, err := r.countBySource(scope())
		if err != nil {
			errs = append(errs, err)
		}
		result.BySource = bySource
		for _, n := range bySource {
			result.TotalCount += n
		}

	case model.AggregateTopSenders:
		err := scope().Where("author <> ''").
			Select("author AS label, COUNT(*) AS value").
			Group("author").Order("value DESC").Order("author").Limit(limit).
			Scan(&result.Top).Error
		if err != nil {
			errs = append(errs, err)
		}
		for _, row := range result.Top {
			result.TotalCount += row.Value
		}

	case model.AggregateLongest, model.AggregateShortest, model.AggregateMostRecent:
		if err := scope().Count(&result.TotalCount).Error; err != nil {
			errs = append(errs, err)
		}
		var docs []model.Document
		if err := scope().Order(aggregateOrder(q.Kind)).Limit(limit).Find(&docs).Error; err != nil {
			errs = append(errs, err)
		}
		for _, d := range docs {
			value := int64(d.WordCount)
			if q.Kind == model.AggregateMostRecent {
				value = d.LastModified.Unix()
			}
			result.Top = append(result.Top, model.AggregateRow{Label: d.Title, DocumentID: d.DocumentID, Value: value})
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregate, q.Kind)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("aggregate %s: %w", q.Kind, errors.Join(errs...))
	}
	return result, nil
}

func aggregateOrder(kind model.AggregateKind) string {
	switch kind {
	case model.AggregateShortest:
		return "word_count ASC"
	case model.AggregateMostRecent:
		return "last_modified DESC"
	default:
		return "word_count DESC"
	}
}
