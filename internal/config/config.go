package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了市场守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Notify     NotifyConfig     `json:"notify"`
	Web3       Web3Config       `json:"web3"`
	Market     MarketConfig     `json:"market"`
	Succession SuccessionConfig `json:"succession"`
	Identity   IdentityConfig   `json:"identity"`
	Registry   RegistryConfig   `json:"registry"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述账本存储后端的连接信息。
type StorageConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// NotifyConfig 描述市场事件流的投递方式。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问结算网络所需的配置。
type Web3Config struct {
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	MarketAccount string `json:"market_account"`
}

// MarketConfig 控制任务市场的手续费等参数。
type MarketConfig struct {
	FeeRateBps   uint64 `json:"fee_rate_bps"`
	FeeRecipient string `json:"fee_recipient"`
}

// SuccessionConfig 控制所有权交接协议的时间窗口。
type SuccessionConfig struct {
	GracePeriodSeconds int64 `json:"grace_period_seconds"`
}

// IdentityConfig 指定名称解析能力的数据来源。
type IdentityConfig struct {
	NamesFile string `json:"names_file"`
}

// RegistryConfig 指定能力注册表的访问方式。
type RegistryConfig struct {
	Source     string `json:"source"`
	File       string `json:"file"`
	BaseURL    string `json:"base_url"`
	MaxResults int    `json:"max_results"`
}

// AuthConfig 控制管理员接口的认证方式。
type AuthConfig struct {
	Enabled          bool       `json:"enabled"`
	Secret           string     `json:"secret"`
	Issuer           string     `json:"issuer"`
	AccessTTLSeconds int64      `json:"access_ttl_seconds"`
	Seeds            []AuthSeed `json:"seeds"`
}

// AuthSeed 描述初始化阶段写入的管理员账号。
type AuthSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}

	if c.Market.FeeRateBps == 0 {
		c.Market.FeeRateBps = 500
	}

	if c.Succession.GracePeriodSeconds <= 0 {
		c.Succession.GracePeriodSeconds = 24 * 60 * 60
	}

	if c.Registry.Source == "" {
		c.Registry.Source = "static"
	}
	if c.Registry.MaxResults <= 0 {
		c.Registry.MaxResults = 20
	}

	if c.Auth.AccessTTLSeconds <= 0 {
		c.Auth.AccessTTLSeconds = 3600
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Identity.NamesFile != "" && !filepath.IsAbs(c.Identity.NamesFile) {
		c.Identity.NamesFile = filepath.Join(baseDir, c.Identity.NamesFile)
	}
	if c.Registry.File != "" && !filepath.IsAbs(c.Registry.File) {
		c.Registry.File = filepath.Join(baseDir, c.Registry.File)
	}
}
