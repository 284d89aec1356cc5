package model

import "time"

// Stage 是入库流水线的阶段。
type Stage string

const (
	StageInitialized Stage = "initialized"
	StageExtraction  Stage = "extraction"
	StageMetadata    Stage = "metadata"
	StageChunking    Stage = "chunking"
	StageEmbedding   Stage = "embedding"
	StageIndexing    Stage = "indexing"
	StageGraph       Stage = "graph"
	StageComplete    Stage = "complete"
)

// StageProgress 是进入各阶段时上报的进度值，单调递增。
var StageProgress = map[Stage]float64{
	StageInitialized: 0,
	StageExtraction:  0.1,
	StageMetadata:    0.25,
	StageChunking:    0.4,
	StageEmbedding:   0.55,
	StageIndexing:    0.8,
	StageGraph:       0.9,
	StageComplete:    1.0,
}

// IngestionProgress 记录单个文档的入库进度。
type IngestionProgress struct {
	DocumentID     string     `json:"documentId"`
	OrganizationID string     `json:"organizationId"`
	Stage          Stage      `json:"stage"`
	Progress       float64    `json:"progress"`
	Message        string     `json:"message"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Success        *bool      `json:"success,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Done 表示流水线已到达终态。
func (p IngestionProgress) Done() bool {
	return p.Stage == StageComplete
}

// IngestionResult 是一次入库调用的结果，失败时 Stage 指出失败的阶段。
type IngestionResult struct {
	Success        bool   `json:"success"`
	DocumentID     string `json:"documentId"`
	ChunksCreated  int    `json:"chunksCreated"`
	VectorsIndexed int    `json:"vectorsIndexed"`
	Stage          Stage  `json:"stage"`
	Error          string `json:"error,omitempty"`
}
