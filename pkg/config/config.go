package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Lmstfy      LmstfyConfig      `mapstructure:"lmstfy"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment"`
	Workers     []WorkerConfig    `mapstructure:"workers"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LmstfyConfig Lmstfy 配置
type LmstfyConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`

	// 队列划分：fulfillment_queue 为本服务消费的事件队列，
	// retrieval_queue / abort_queue 投递给取回子系统。
	FulfillmentQueue string `mapstructure:"fulfillment_queue"`
	RetrievalQueue   string `mapstructure:"retrieval_queue"`
	AbortQueue       string `mapstructure:"abort_queue"`
}

// FulfillmentConfig 订单履约配置
type FulfillmentConfig struct {
	// 分桶阈值
	MaxBucketFiles        int   `mapstructure:"max_bucket_files"`         // 单桶最大文件数
	MaxInternalBucketSize int64 `mapstructure:"max_internal_bucket_size"` // internal 桶字节上限
	MaxExternalBucketSize int64 `mapstructure:"max_external_bucket_size"` // external 桶字节上限

	// 准入配额
	MaxJobsPerUser int `mapstructure:"max_jobs_per_user"` // 单用户并发取回 Job 上限

	// 子订单可用时长（订单过期时间由此推算）
	SubOrderDuration time.Duration `mapstructure:"sub_order_duration"`

	// 维护扫描
	ExpirationSweepInterval     time.Duration `mapstructure:"expiration_sweep_interval"`
	AsideOrderNotificationDelay time.Duration `mapstructure:"aside_order_notification_delay"`

	// 并发控制
	LockWait time.Duration `mapstructure:"lock_wait"` // 用户互斥锁等待上限
	LockTTL  time.Duration `mapstructure:"lock_ttl"`  // 锁自动释放时间

	// 过期清理时等待 Job 停止的轮询参数
	AbortPollRetries  int           `mapstructure:"abort_poll_retries"`
	AbortPollInterval time.Duration `mapstructure:"abort_poll_interval"`

	// Retry Engine 翻页大小
	RetryPageSize int `mapstructure:"retry_page_size"`
}

// WorkerConfig Worker 配置
type WorkerConfig struct {
	Name       string           `mapstructure:"name"`
	QueueName  string           `mapstructure:"queue_name"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
}

// SubscriberConfig Subscriber 配置
type SubscriberConfig struct {
	Threads      int           `mapstructure:"threads"`       // 并发拉取数
	Rate         time.Duration `mapstructure:"rate"`          // 拉取速率
	Timeout      time.Duration `mapstructure:"timeout"`       // 拉取超时
	TTR          time.Duration `mapstructure:"ttr"`           // Time-To-Run
	ErrorBackoff time.Duration `mapstructure:"error_backoff"` // 错误退避时间
}

// ProcessorConfig Processor 配置
type ProcessorConfig struct {
	Threads    int           `mapstructure:"threads"`     // 并发处理数
	BufferSize int           `mapstructure:"buffer_size"` // Channel 缓冲大小
	Timeout    time.Duration `mapstructure:"timeout"`     // 单个任务超时
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults 填充缺省值
func (c *Config) applyDefaults() {
	f := &c.Fulfillment
	if f.MaxBucketFiles <= 0 {
		f.MaxBucketFiles = 5000
	}
	if f.MaxInternalBucketSize <= 0 {
		f.MaxInternalBucketSize = 10 << 30 // 10 GiB
	}
	if f.MaxExternalBucketSize <= 0 {
		f.MaxExternalBucketSize = 10 << 30
	}
	if f.MaxJobsPerUser <= 0 {
		f.MaxJobsPerUser = 2
	}
	if f.SubOrderDuration <= 0 {
		f.SubOrderDuration = 24 * time.Hour
	}
	if f.ExpirationSweepInterval <= 0 {
		f.ExpirationSweepInterval = 30 * time.Minute
	}
	if f.AsideOrderNotificationDelay <= 0 {
		f.AsideOrderNotificationDelay = 72 * time.Hour
	}
	if f.LockWait <= 0 {
		f.LockWait = 10 * time.Second
	}
	if f.LockTTL <= 0 {
		f.LockTTL = 5 * time.Minute
	}
	if f.AbortPollRetries <= 0 {
		f.AbortPollRetries = 10
	}
	if f.AbortPollInterval <= 0 {
		f.AbortPollInterval = time.Second
	}
	if f.RetryPageSize <= 0 {
		f.RetryPageSize = 1000
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.MySQL.DSN == "" {
		return fmt.Errorf("mysql.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Lmstfy.Host == "" {
		return fmt.Errorf("lmstfy.host is required")
	}
	if c.Lmstfy.FulfillmentQueue == "" {
		return fmt.Errorf("lmstfy.fulfillment_queue is required")
	}
	if c.Lmstfy.RetrievalQueue == "" {
		return fmt.Errorf("lmstfy.retrieval_queue is required")
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	return nil
}
