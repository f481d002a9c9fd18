package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Signer   SignerConfig   `yaml:"signer"`
	Download DownloadConfig `yaml:"download"`
	Batch    BatchConfig    `yaml:"batch"`
	Log      LogConfig      `yaml:"log"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port          int           `yaml:"port"`
	Mode          string        `yaml:"mode"` // gin 模式: debug|release|test
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Driver       string `yaml:"driver"` // memory|sqlite|postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig Redis 配置（下载去重 + 批次进度缓存）
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	ProgressTTL time.Duration `yaml:"progress_ttl"`
}

// QueueConfig 调度器配置
type QueueConfig struct {
	// 每个队列的可见性超时，未列出的队列使用 DefaultVisibilityTimeout
	VisibilityTimeouts       map[string]time.Duration `yaml:"visibility_timeouts"`
	DefaultVisibilityTimeout time.Duration            `yaml:"default_visibility_timeout"`
}

// DispatchConfig 向外部 Worker 派发任务的方式
type DispatchConfig struct {
	Mode         string         `yaml:"mode"` // pull|rabbitmq
	PollInterval time.Duration  `yaml:"poll_interval"`
	RabbitMQ     RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL         string `yaml:"url"`
	QueuePrefix string `yaml:"queue_prefix"`
	Prefetch    int    `yaml:"prefetch"`
}

// SignerConfig 签名 URL 配置
type SignerConfig struct {
	Backend                string        `yaml:"backend"` // cloudfront|s3
	Bucket                 string        `yaml:"bucket"`
	Region                 string        `yaml:"region"`
	Endpoint               string        `yaml:"endpoint"`
	AccessKey              string        `yaml:"access_key"`
	SecretKey              string        `yaml:"secret_key"`
	CloudFrontDomain       string        `yaml:"cloudfront_domain"`
	CloudFrontKeyID        string        `yaml:"cloudfront_key_id"`
	CloudFrontPrivateKey   string        `yaml:"cloudfront_private_key"` // PEM 文件路径
	DefaultTTL             time.Duration `yaml:"default_ttl"`
	CheckExists            bool          `yaml:"check_exists"`
	UnrestrictedCategories []string      `yaml:"unrestricted_categories"`
}

// DownloadConfig 下载去重配置
type DownloadConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleMinutes  int           `yaml:"stale_minutes"`
}

// StaleThreshold processing 状态超过该时长的下载视为 Worker 已失联
func (d DownloadConfig) StaleThreshold() time.Duration {
	return time.Duration(d.StaleMinutes) * time.Minute
}

// BatchConfig 批次配置
type BatchConfig struct {
	AvgSecondsPerSegment float64 `yaml:"avg_seconds_per_segment"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text|json
	File       string `yaml:"file"`   // 为空时只输出到 stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// OpenAIConfig OpenAI 配置，只有参考 Worker 使用
type OpenAIConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	ChatModel string `yaml:"chat_model"`
}

// WorkerConfig 参考 Worker 配置
type WorkerConfig struct {
	APIURL             string        `yaml:"api_url"`
	Queues             []string      `yaml:"queues"`
	WorkDir            string        `yaml:"work_dir"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	SegmentConcurrency int           `yaml:"segment_concurrency"` // 每个音频的并发分片数
	SegmentDuration    int           `yaml:"segment_duration"`    // 分片时长（秒）
	MaxRetries         int           `yaml:"max_retries"`
	Language           string        `yaml:"language"`
	RatePerMinute      float64       `yaml:"rate_per_minute"` // 本地限流，超出后归还任务
	Burst              int           `yaml:"burst"`
}

// LoadConfig 加载配置文件
// path 为空时依次尝试环境变量 COURSEFLOW_CONFIG 和 config/config.yaml
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("COURSEFLOW_CONFIG"); env != "" {
			path = env
		} else {
			path = "config/config.yaml"
		}
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 展开 ${ENV} 形式的环境变量
	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Default 返回全部使用默认值的配置（内存存储、pull 模式）
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 15 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 25
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 5
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "courseflow"
	}
	if c.Redis.ProgressTTL == 0 {
		c.Redis.ProgressTTL = 30 * time.Second
	}

	if c.Queue.DefaultVisibilityTimeout == 0 {
		c.Queue.DefaultVisibilityTimeout = 5 * time.Minute
	}
	defaults := map[string]time.Duration{
		"audio_extraction": 5 * time.Minute,
		"media_download":   10 * time.Minute,
		"transcription":    30 * time.Minute,
		"terminology":      10 * time.Minute,
	}
	if c.Queue.VisibilityTimeouts == nil {
		c.Queue.VisibilityTimeouts = make(map[string]time.Duration, len(defaults))
	}
	for name, d := range defaults {
		if _, ok := c.Queue.VisibilityTimeouts[name]; !ok {
			c.Queue.VisibilityTimeouts[name] = d
		}
	}

	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = "pull"
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = time.Second
	}
	if c.Dispatch.RabbitMQ.QueuePrefix == "" {
		c.Dispatch.RabbitMQ.QueuePrefix = "courseflow"
	}
	if c.Dispatch.RabbitMQ.Prefetch <= 0 {
		c.Dispatch.RabbitMQ.Prefetch = 3
	}

	if c.Signer.Backend == "" {
		c.Signer.Backend = "s3"
	}
	if c.Signer.DefaultTTL == 0 {
		c.Signer.DefaultTTL = time.Hour
	}

	if c.Download.SweepInterval == 0 {
		c.Download.SweepInterval = 5 * time.Minute
	}
	if c.Download.StaleMinutes <= 0 {
		c.Download.StaleMinutes = 120
	}

	if c.Batch.AvgSecondsPerSegment <= 0 {
		c.Batch.AvgSecondsPerSegment = 180
	}

	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o-mini"
	}
	if c.Worker.APIURL == "" {
		c.Worker.APIURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = []string{"audio_extraction", "transcription", "terminology"}
	}
	if c.Worker.WorkDir == "" {
		c.Worker.WorkDir = "work"
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.SegmentConcurrency <= 0 {
		c.Worker.SegmentConcurrency = 3
	}
	if c.Worker.SegmentDuration <= 0 {
		c.Worker.SegmentDuration = 600
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.RatePerMinute <= 0 {
		c.Worker.RatePerMinute = 30
	}
	if c.Worker.Burst <= 0 {
		c.Worker.Burst = 3
	}

	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}

	switch c.Dispatch.Mode {
	case "pull":
	case "rabbitmq":
		if strings.TrimSpace(c.Dispatch.RabbitMQ.URL) == "" {
			return fmt.Errorf("dispatch.rabbitmq.url is required in rabbitmq mode")
		}
	default:
		return fmt.Errorf("unsupported dispatch.mode %q", c.Dispatch.Mode)
	}

	switch c.Signer.Backend {
	case "s3":
	case "cloudfront":
		if c.Signer.CloudFrontDomain == "" || c.Signer.CloudFrontKeyID == "" || c.Signer.CloudFrontPrivateKey == "" {
			return fmt.Errorf("signer.cloudfront_domain, cloudfront_key_id and cloudfront_private_key are required for cloudfront")
		}
	default:
		return fmt.Errorf("unsupported signer.backend %q", c.Signer.Backend)
	}

	for name, d := range c.Queue.VisibilityTimeouts {
		if d <= 0 {
			return fmt.Errorf("queue.visibility_timeouts[%s] must be positive", name)
		}
	}
	return nil
}

// ValidateWorker 参考 Worker 额外需要的配置
func (c *Config) ValidateWorker() error {
	if c.OpenAI.APIKey == "" || c.OpenAI.APIKey == "your-openai-api-key-here" {
		return fmt.Errorf("请在配置文件中设置有效的 OpenAI API Key")
	}
	for _, q := range c.Worker.Queues {
		switch q {
		case "audio_extraction", "transcription", "terminology", "media_download":
		default:
			return fmt.Errorf("unsupported worker queue %q", q)
		}
	}
	return nil
}
