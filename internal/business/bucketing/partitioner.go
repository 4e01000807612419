package bucketing

import (
	"context"

	"dop/fulfill/pkg/logger"
)

// File 进入分桶的文件条目
// EntryID 非空表示复用已有的 OrderDataFile 记录（Retry Engine 场景），
// 为空表示首次分桶、需要新建记录。
type File struct {
	EntryID   string
	FileID    string
	Checksum  string
	ByteSize  *int64
	Reference bool
	MimeType  string
}

// Bucket 桶：子订单落库前的文件聚集
type Bucket struct {
	External   bool
	Files      []File
	TotalBytes int64
	// Oversized 桶中存在单文件超过字节阈值的情况（触发运维告警）
	Oversized bool
}

// Thresholds 分桶阈值，internal/external 桶的字节上限独立配置
type Thresholds struct {
	MaxFiles         int
	MaxInternalBytes int64
	MaxExternalBytes int64
}

// FlushFunc 桶满或流结束时的回调（Sub-order Factory 的入口）
type FlushFunc func(ctx context.Context, b *Bucket) error

// Partitioner 分桶器
// 单遍扫描文件流，按 reference 标志路由到 internal/external 两个累积桶，
// 任一桶达到文件数或字节数阈值即 flush。
type Partitioner struct {
	th       Thresholds
	onFlush  FlushFunc
	internal *Bucket
	external *Bucket
	log      logger.Logger
}

// NewPartitioner 创建分桶器
func NewPartitioner(th Thresholds, onFlush FlushFunc, log logger.Logger) *Partitioner {
	return &Partitioner{
		th:       th,
		onFlush:  onFlush,
		internal: &Bucket{External: false},
		external: &Bucket{External: true},
		log:      log,
	}
}

// Add 将一个文件放入对应的桶，插入后检查 flush 条件
func (p *Partitioner) Add(ctx context.Context, f File) error {
	// 大小未知或为零的文件不可订购：取回子系统无法跟踪它，跳过但不算错误
	if f.ByteSize == nil || *f.ByteSize <= 0 {
		p.log.Debugf(ctx, "[Partitioner] Skipping file without usable size: %s", f.FileID)
		return nil
	}
	size := *f.ByteSize

	bucket := p.internal
	limit := p.th.MaxInternalBytes
	if f.Reference {
		bucket = p.external
		limit = p.th.MaxExternalBytes
	}

	bucket.Files = append(bucket.Files, f)
	bucket.TotalBytes += size

	// 单文件超限仍然入桶（独占一个桶），只发告警、绝不丢弃
	if size >= limit {
		bucket.Oversized = true
		p.log.Warnf(ctx, "[Partitioner] File %s exceeds bucket byte limit (%d > %d), isolating in its own bucket",
			f.FileID, size, limit)
	}

	if len(bucket.Files) >= p.th.MaxFiles || bucket.TotalBytes >= limit {
		return p.flush(ctx, f.Reference)
	}

	return nil
}

// Finish 流结束，无条件 flush 非空的剩余桶
func (p *Partitioner) Finish(ctx context.Context) error {
	if len(p.internal.Files) > 0 {
		if err := p.flush(ctx, false); err != nil {
			return err
		}
	}
	if len(p.external.Files) > 0 {
		if err := p.flush(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// flush 结算一个桶并重新开桶
func (p *Partitioner) flush(ctx context.Context, external bool) error {
	var full *Bucket
	if external {
		full = p.external
		p.external = &Bucket{External: true}
	} else {
		full = p.internal
		p.internal = &Bucket{External: false}
	}

	p.log.Debugf(ctx, "[Partitioner] Flushing %s bucket: %d files, %d bytes",
		bucketClass(external), len(full.Files), full.TotalBytes)

	return p.onFlush(ctx, full)
}

func bucketClass(external bool) string {
	if external {
		return "external"
	}
	return "internal"
}
