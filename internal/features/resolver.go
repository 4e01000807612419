package features

import "context"

// FileDescriptor 解析出的文件描述符
// ByteSize 为 nil 表示大小未知，这类文件不可订购。
type FileDescriptor struct {
	ID        string `json:"id"`
	Checksum  string `json:"checksum"`
	ByteSize  *int64 `json:"byte_size"`
	Reference bool   `json:"is_reference"`
	MimeType  string `json:"mime_type"`
}

// Selection 篮子中的一个数据集选择（查询 + 可选过滤条件）
type Selection struct {
	Dataset   string   `json:"dataset"`
	Query     string   `json:"query"`
	FileTypes []string `json:"file_types,omitempty"`
	MinSize   *int64   `json:"min_size,omitempty"`
	MaxSize   *int64   `json:"max_size,omitempty"`
}

// Resolver 目录特征解析协作方
// 逐页返回文件描述符，返回空页表示结束。
type Resolver interface {
	ResolvePage(ctx context.Context, sel Selection, page int) ([]FileDescriptor, error)
}
