// Package config 负责加载和管理网关的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是整个网关的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// ServerConfig 存储 HTTP 服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 描述本地关系型存储。driver 取值 sqlite 或 mysql。
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时分片进度记录退化为进程内存。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储审计事件队列的配置。Brokers 为空时审计直接写库。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
	// PublishTimeout 限制单次投递的等待时间，超时后审计改为直接写库
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// JWTConfig 存储会话 token 的签名密钥。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// AuthConfig 描述内部调用密钥与静态 API key。
type AuthConfig struct {
	InternalKey    string         `mapstructure:"internal_key"`
	InternalHeader string         `mapstructure:"internal_header"`
	APIKeys        []APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig 中的 KeyHash 是 bcrypt 哈希，明文 key 不落配置文件。
type APIKeyConfig struct {
	Name    string   `mapstructure:"name"`
	KeyHash string   `mapstructure:"key_hash"`
	Scopes  []string `mapstructure:"scopes"`
}

// UpstreamConfig 描述被代理的媒体管理服务。
type UpstreamConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	APIKeyHeader  string        `mapstructure:"api_key_header"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
	CacheIDHeader string        `mapstructure:"cache_id_header"`
}

// UploadConfig 描述分片上传的临时目录与限制。
type UploadConfig struct {
	TempDir       string        `mapstructure:"temp_dir"`
	MaxChunkBytes int64         `mapstructure:"max_chunk_bytes"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// CacheConfig 描述响应缓存。Rules 按顺序匹配，第一个命中的生效。
type CacheConfig struct {
	DefaultTTL    time.Duration     `mapstructure:"default_ttl"`
	MaxEntries    int               `mapstructure:"max_entries"`
	TargetEntries int               `mapstructure:"target_entries"`
	Rules         []CacheRuleConfig `mapstructure:"rules"`
	NonCacheable  []string          `mapstructure:"non_cacheable"`
}

type CacheRuleConfig struct {
	Pattern string        `mapstructure:"pattern"`
	TTL     time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/gallery.db")
	v.SetDefault("kafka.topic", "gallery-audit")
	v.SetDefault("kafka.group_id", "gallery-gateway-audit")
	v.SetDefault("kafka.publish_timeout", 2*time.Second)
	v.SetDefault("auth.internal_header", "x-internal-key")
	// 没有默认值的 key 不会被 AutomaticEnv 覆盖到 Unmarshal 结果里，这里显式登记。
	v.SetDefault("redis.addr", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("auth.internal_key", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.api_key_header", "x-api-key")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.upload_timeout", 10*time.Minute)
	v.SetDefault("upstream.cache_id_header", "x-upstream-cid")
	v.SetDefault("upload.temp_dir", "./data/uploads")
	v.SetDefault("upload.max_chunk_bytes", 100*1024*1024)
	v.SetDefault("upload.stale_after", 24*time.Hour)
	v.SetDefault("cache.default_ttl", time.Minute)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.target_entries", 800)
}

// Load 读取指定路径的 YAML 文件，叠加 GATEWAY_ 前缀的环境变量后解析为 Config。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url 不能为空")
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return fmt.Errorf("jwt.secret 不能为空")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("不支持的 database.driver: %q", c.Database.Driver)
	}
	if c.Cache.TargetEntries >= c.Cache.MaxEntries {
		return fmt.Errorf("cache.target_entries (%d) 必须小于 cache.max_entries (%d)", c.Cache.TargetEntries, c.Cache.MaxEntries)
	}
	return nil
}
