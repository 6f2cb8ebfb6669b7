package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// 环境变量名称。
const (
	EnvConfigPath    = "I_VIS_CONF"
	EnvDataDir       = "I_VIS_DATA_DIR"
	EnvLogDir        = "I_VIS_LOG_DIR"
	EnvPluginsIgnore = "I_VIS_PLUGINS_IGNORE"
	EnvWorkers       = "I_VIS_WORKERS"
	EnvLogLevel      = "I_VIS_LOG_LEVEL"
)

// Config 描述 I-VIS 在启动阶段需要加载的全部配置。
type Config struct {
	DataDir       string          `json:"data_dir" yaml:"data_dir" toml:"data_dir" env:"I_VIS_DATA_DIR"`
	LogDir        string          `json:"log_dir" yaml:"log_dir" toml:"log_dir" env:"I_VIS_LOG_DIR"`
	Catalog       string          `json:"catalog" yaml:"catalog" toml:"catalog" env:"I_VIS_CATALOG"`
	PluginsIgnore []string        `json:"plugins_ignore" yaml:"plugins_ignore" toml:"plugins_ignore" env:"I_VIS_PLUGINS_IGNORE"`
	Log           LogConfig       `json:"log" yaml:"log" toml:"log"`
	Database      DatabaseConfig  `json:"database" yaml:"database" toml:"database"`
	Queue         QueueConfig     `json:"queue" yaml:"queue" toml:"queue"`
	Cache         CacheConfig     `json:"cache" yaml:"cache" toml:"cache"`
	Download      DownloadConfig  `json:"download" yaml:"download" toml:"download"`
	Normalize     NormalizeConfig `json:"normalize" yaml:"normalize" toml:"normalize"`
	Scheduler     SchedulerConfig `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Events        EventsConfig    `json:"events" yaml:"events" toml:"events"`
}

// LogConfig 控制日志级别、格式与审计日志。
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" env:"I_VIS_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" toml:"format"`
	Audit  bool   `json:"audit" yaml:"audit" toml:"audit"`
	// 日志文件轮转，零值使用 100MB、7 个备份、保留 30 天。
	MaxSizeMB  int  `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool `json:"compress" yaml:"compress" toml:"compress"`
}

// DatabaseConfig 描述集成库连接，driver 支持 sqlite 与 mysql。
type DatabaseConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver" env:"I_VIS_DB_DRIVER"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn" env:"I_VIS_DB_DSN"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述升级任务队列。
type QueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver" toml:"driver" env:"I_VIS_QUEUE_DRIVER"`
	Workers    int            `json:"workers" yaml:"workers" toml:"workers" env:"I_VIS_WORKERS"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	Redis      RedisConfig    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// RedisConfig 为 Redis 队列及缓存提供连接参数。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address" toml:"address"`
	Password         string `json:"password" yaml:"password" toml:"password"`
	DB               int    `json:"db" yaml:"db" toml:"db"`
	Key              string `json:"key" yaml:"key" toml:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds" toml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url" toml:"url"`
	Queue      string `json:"queue" yaml:"queue" toml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable" toml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete" toml:"auto_delete"`
}

// CacheConfig 控制标准化查询缓存。
type CacheConfig struct {
	Driver     string      `json:"driver" yaml:"driver" toml:"driver"`
	TTLSeconds int         `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`
	Redis      RedisConfig `json:"redis" yaml:"redis" toml:"redis"`
}

// DownloadConfig 限制远程下载速率。
type DownloadConfig struct {
	RatePerSecond  float64 `json:"rate_per_second" yaml:"rate_per_second" toml:"rate_per_second"`
	Burst          int     `json:"burst" yaml:"burst" toml:"burst"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	UserAgent      string  `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
}

// NormalizeConfig 指定各实体类型的词典文件。
type NormalizeConfig struct {
	GeneDict   string   `json:"gene_dict" yaml:"gene_dict" toml:"gene_dict"`
	DrugDict   string   `json:"drug_dict" yaml:"drug_dict" toml:"drug_dict"`
	CancerDict string   `json:"cancer_dict" yaml:"cancer_dict" toml:"cancer_dict"`
	CancerTree string   `json:"cancer_tree" yaml:"cancer_tree" toml:"cancer_tree"`
	MatchTypes []string `json:"match_types" yaml:"match_types" toml:"match_types"`
}

// SchedulerConfig 控制守护进程中的定时更新检查。
type SchedulerConfig struct {
	Schedule    string `json:"schedule" yaml:"schedule" toml:"schedule"`
	AutoUpgrade bool   `json:"auto_upgrade" yaml:"auto_upgrade" toml:"auto_upgrade"`
}

// EventsConfig 指定 CloudEvents 接收端；为空时仅写日志。
type EventsConfig struct {
	Target string `json:"target" yaml:"target" toml:"target"`
	Source string `json:"source" yaml:"source" toml:"source"`
	// MinSeverity 为 info、warning 或 critical，低于它的告警不发送。
	MinSeverity string `json:"min_severity" yaml:"min_severity" toml:"min_severity"`
}

// Load 解析指定路径的配置文件，格式由扩展名决定，缺省为 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		err = toml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// LoadFromEnv 按 I_VIS_CONF 加载配置；未设置时以当前目录为基准使用默认值。
func LoadFromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return Load(path)
	}
	cfg := &Config{}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("获取工作目录失败: %w", err)
	}
	cfg.applyDefaults(wd)
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.DataDir = resolve(baseDir, c.DataDir, "data")
	c.LogDir = resolve(baseDir, c.LogDir, "logs")
	c.Catalog = resolve(baseDir, c.Catalog, "plugins.yaml")
	c.PluginsIgnore = cleanList(c.PluginsIgnore)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = filepath.Join(c.DataDir, "i-vis.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 1
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "ivis:upgrades"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "ivis.upgrades"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 3600
	}

	if c.Download.RatePerSecond <= 0 {
		c.Download.RatePerSecond = 2
	}
	if c.Download.Burst <= 0 {
		c.Download.Burst = 1
	}
	if c.Download.TimeoutSeconds <= 0 {
		c.Download.TimeoutSeconds = 600
	}
	if c.Download.UserAgent == "" {
		c.Download.UserAgent = "i-vis-etl"
	}

	for _, p := range []*string{&c.Normalize.GeneDict, &c.Normalize.DrugDict, &c.Normalize.CancerDict, &c.Normalize.CancerTree} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if len(c.Normalize.MatchTypes) == 0 {
		c.Normalize.MatchTypes = []string{"direct", "exact"}
	}

	if c.Scheduler.Schedule == "" {
		c.Scheduler.Schedule = "@daily"
	}
	if c.Events.Source == "" {
		c.Events.Source = "i-vis/etl"
	}
	c.Events.MinSeverity = strings.ToLower(strings.TrimSpace(c.Events.MinSeverity))
}

// Disabled 判断插件是否在忽略列表中。
func (c *Config) Disabled(name string) bool {
	for _, ignored := range c.PluginsIgnore {
		if ignored == name {
			return true
		}
	}
	return false
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

func cleanList(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
