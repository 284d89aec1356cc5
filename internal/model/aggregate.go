package model

import "time"

// AggregateKind 是结构化聚合查询的类型。
type AggregateKind string

const (
	AggregateTopSenders      AggregateKind = "top_senders"
	AggregateCountAboutTopic AggregateKind = "count_about_topic"
	AggregateLongest         AggregateKind = "longest_document"
	AggregateShortest        AggregateKind = "shortest_document"
	AggregateMostRecent      AggregateKind = "most_recent"
	AggregateCountBySource   AggregateKind = "count_by_source"
)

// AggregateQuery 描述一次 SQL 风格的聚合。
type AggregateQuery struct {
	Kind           AggregateKind
	OrganizationID string
	Keyword        string
	From, To       time.Time
	Limit          int
}

// AggregateRow 是 Top-N 类聚合的一行。
type AggregateRow struct {
	Label      string `json:"label"`
	DocumentID string `json:"documentId,omitempty"`
	Value      int64  `json:"value"`
}

// AggregateResult 是聚合查询的结果。
type AggregateResult struct {
	Kind       AggregateKind    `json:"kind"`
	Keyword    string           `json:"keyword,omitempty"`
	TotalCount int64            `json:"totalCount"`
	BySource   map[string]int64 `json:"bySource,omitempty"`
	Top        []AggregateRow   `json:"top,omitempty"`
}
