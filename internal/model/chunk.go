package model

// Chunk 是一段受 token 上限约束的文本分块。
type Chunk struct {
	Text       string        `json:"text"`
	Index      uint32        `json:"chunk_index"`
	TokenCount uint32        `json:"token_count"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// ID 返回分块对应的向量记录 ID。
func (c Chunk) ID() string {
	return ChunkID(c.Metadata.DocumentID, int(c.Index))
}
