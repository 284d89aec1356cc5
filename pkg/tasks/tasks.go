// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask 描述一次异步入库任务，原始文件已存放在对象存储中。
type IngestTask struct {
	DocumentID     string `json:"document_id"`
	OrganizationID string `json:"organization_id"`
	ObjectName     string `json:"object_name"`
	FileName       string `json:"file_name"`
	MimeType       string `json:"mime_type"`
	SourceSystem   string `json:"source_system,omitempty"`
	SourceURL      string `json:"source_url,omitempty"`
	Title          string `json:"title,omitempty"`
	Author         string `json:"author,omitempty"`
}
