package bucketing

// OrderCounts 订单级累积计数
// 每次 Completion / Retry 过程新建一份，逐数据集合并，订单保存后丢弃，不落库。
type OrderCounts struct {
	InternalFiles     int
	ExternalFiles     int
	InternalSubOrders int
	ExternalSubOrders int
	TotalBytes        int64
	FeatureCount      int
	jobIDs            map[string]struct{}
}

// NewOrderCounts 创建空计数器
func NewOrderCounts() *OrderCounts {
	return &OrderCounts{jobIDs: make(map[string]struct{})}
}

// AddInternalSubOrder 记录一个 internal 子订单
func (c *OrderCounts) AddInternalSubOrder(fileCount int, totalBytes int64, jobID string) {
	c.InternalSubOrders++
	c.InternalFiles += fileCount
	c.TotalBytes += totalBytes
	if jobID != "" {
		c.jobIDs[jobID] = struct{}{}
	}
}

// AddExternalSubOrder 记录一个 external 子订单
func (c *OrderCounts) AddExternalSubOrder(fileCount int, totalBytes int64) {
	c.ExternalSubOrders++
	c.ExternalFiles += fileCount
	c.TotalBytes += totalBytes
}

// AddFeature 记录一个被处理的特征文件
func (c *OrderCounts) AddFeature() {
	c.FeatureCount++
}

// Merge 合并另一份计数（数据集级 → 订单级）
func (c *OrderCounts) Merge(other *OrderCounts) {
	if other == nil {
		return
	}
	c.InternalFiles += other.InternalFiles
	c.ExternalFiles += other.ExternalFiles
	c.InternalSubOrders += other.InternalSubOrders
	c.ExternalSubOrders += other.ExternalSubOrders
	c.TotalBytes += other.TotalBytes
	c.FeatureCount += other.FeatureCount
	for id := range other.jobIDs {
		c.jobIDs[id] = struct{}{}
	}
}

// SubOrderTotal 子订单总数
func (c *OrderCounts) SubOrderTotal() int {
	return c.InternalSubOrders + c.ExternalSubOrders
}

// JobIDs 关联的取回 Job 集合
func (c *OrderCounts) JobIDs() []string {
	ids := make([]string, 0, len(c.jobIDs))
	for id := range c.jobIDs {
		ids = append(ids, id)
	}
	return ids
}

// OnlyExternal 订单是否只产出了 external 文件（无需任何取回 Job）
func (c *OrderCounts) OnlyExternal() bool {
	return c.InternalFiles == 0 && c.ExternalFiles > 0
}
