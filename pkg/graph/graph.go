// Package graph 生成知识图谱关系提示，并投递给外部的图谱构建服务。
package graph

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"askdocs-go/internal/model"
	kafkapkg "askdocs-go/pkg/kafka"
)

// 关系类型。
const (
	RelAuthored   = "AUTHORED"
	RelAbout      = "ABOUT"
	RelFromSource = "FROM_SOURCE"
	RelMentions   = "MENTIONS"
)

// Node 是图中的一个节点。
type Node struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Hint 描述一条待写入图谱的关系。
type Hint struct {
	From     Node   `json:"from"`
	Relation string `json:"relation"`
	To       Node   `json:"to"`
}

// Recorder 记录关系提示。实现失败时返回 error，由调用方决定是否忽略。
type Recorder interface {
	RecordRelationships(ctx context.Context, organizationID, documentID string, hints []Hint) error
}

// BuildHints 从文档元数据派生作者、主题、来源与实体关系。
func BuildHints(meta model.EnrichedMetadata) []Hint {
	doc := Node{Kind: "Document", ID: meta.DocumentID}
	var hints []Hint
	if author := strings.TrimSpace(meta.Author); author != "" {
		hints = append(hints, Hint{From: Node{Kind: "Person", ID: author}, Relation: RelAuthored, To: doc})
	}
	for _, topic := range meta.AITopics {
		hints = append(hints, Hint{From: doc, Relation: RelAbout, To: Node{Kind: "Topic", ID: strings.ToLower(topic)}})
	}
	if meta.SourceSystem != "" {
		hints = append(hints, Hint{From: doc, Relation: RelFromSource, To: Node{Kind: "Source", ID: meta.SourceSystem}})
	}
	for _, entity := range meta.KeyEntities {
		hints = append(hints, Hint{From: doc, Relation: RelMentions, To: Node{Kind: "Entity", ID: entity}})
	}
	return hints
}

// NoopRecorder 在图谱功能关闭时使用。
type NoopRecorder struct{}

func (NoopRecorder) RecordRelationships(context.Context, string, string, []Hint) error { return nil }

// KafkaRecorder 把同一文档的全部提示作为一条消息发布到图谱主题。
type KafkaRecorder struct {
	writer kafkapkg.MessageWriter
	now    func() time.Time
}

// NewKafkaRecorder 创建基于 Kafka 的记录器。
func NewKafkaRecorder(w kafkapkg.MessageWriter) *KafkaRecorder {
	return &KafkaRecorder{writer: w, now: time.Now}
}

type hintEnvelope struct {
	OrganizationID string    `json:"organization_id"`
	DocumentID     string    `json:"document_id"`
	Hints          []Hint    `json:"hints"`
	EmittedAt      time.Time `json:"emitted_at"`
}

func (r *KafkaRecorder) RecordRelationships(ctx context.Context, organizationID, documentID string, hints []Hint) error {
	if len(hints) == 0 {
		return nil
	}
	body, err := json.Marshal(hintEnvelope{
		OrganizationID: organizationID,
		DocumentID:     documentID,
		Hints:          hints,
		EmittedAt:      r.now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(documentID), Value: body})
}
