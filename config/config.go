package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// DefaultPath 默认配置文件
const DefaultPath = "config/orderbus.toml"

// Config 全局配置
type Config struct {
	Server            ServerConfig      `mapstructure:"server" toml:"server"`
	RedisConfig       RedisConfig       `mapstructure:"redisconfig" toml:"RedisConfig"`
	ConnectionStrings ConnectionStrings `mapstructure:"connectionstrings" toml:"ConnectionStrings"`
	DB                DBConfig          `mapstructure:"db" toml:"db"`
	Cache             CacheConfig       `mapstructure:"cache" toml:"cache"`
	Bus               BusConfig         `mapstructure:"bus" toml:"bus"`
	Jobs              JobsConfig        `mapstructure:"jobs" toml:"jobs"`
	Registry          RegistryConfig    `mapstructure:"registry" toml:"registry"`
	Consumer          ConsumerConfig    `mapstructure:"consumer" toml:"consumer"`
	Log               LogConfig         `mapstructure:"log" toml:"log"`
}

// ServerConfig http服务
type ServerConfig struct {
	Port            int           `mapstructure:"port" toml:"port" default:"8080"`
	Mode            string        `mapstructure:"mode" toml:"mode" default:"release"`
	StaticDir       string        `mapstructure:"static_dir" toml:"static_dir" default:"wwwroot"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout" default:"10s"`
}

// RedisConfig 分布式缓存配置
type RedisConfig struct {
	Configuration string `mapstructure:"configuration" toml:"Configuration"`
	InstanceName  string `mapstructure:"instancename" toml:"InstanceName"`
}

// ConnectionStrings 连接串
type ConnectionStrings struct {
	LocalMysql string `mapstructure:"localmysql" toml:"LocalMysql"`
	RabbitMq   string `mapstructure:"rabbitmq" toml:"RabbitMq"`
}

// DBConfig 数据库连接池
type DBConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" toml:"max_open_conns" default:"20"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" toml:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" toml:"conn_max_lifetime" default:"1h"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" toml:"auto_migrate" default:"true"`
}

// CacheConfig 进程内缓存
type CacheConfig struct {
	Type            string        `mapstructure:"type" toml:"type" default:"lru"`
	MaxBytes        int64         `mapstructure:"max_bytes" toml:"max_bytes" default:"8388608"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" toml:"cleanup_interval" default:"1m"`
	ProductTTL      time.Duration `mapstructure:"product_ttl" toml:"product_ttl" default:"1m"`
	OrderTTL        time.Duration `mapstructure:"order_ttl" toml:"order_ttl" default:"5m"`
}

// BusConfig 事件总线
type BusConfig struct {
	Transport     string        `mapstructure:"transport" toml:"transport" default:"rabbitmq"`
	Exchange      string        `mapstructure:"exchange" toml:"exchange" default:"orderbus.events"`
	ErrorExchange string        `mapstructure:"error_exchange" toml:"error_exchange" default:"orderbus.error"`
	RetryAttempts uint          `mapstructure:"retry_attempts" toml:"retry_attempts" default:"3"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" toml:"retry_delay" default:"200ms"`
	Concurrency   int           `mapstructure:"concurrency" toml:"concurrency" default:"1"`
}

// JobsConfig 定时任务，空字符串表示禁用
type JobsConfig struct {
	CancelExpiredOrders string        `mapstructure:"cancel_expired_orders" toml:"cancel_expired_orders" default:"@every 1m"`
	CacheStats          string        `mapstructure:"cache_stats" toml:"cache_stats" default:"@every 5m"`
	OrderExpiry         time.Duration `mapstructure:"order_expiry" toml:"order_expiry" default:"30m"`
	BatchSize           int           `mapstructure:"batch_size" toml:"batch_size" default:"100"`
}

// RegistryConfig etcd注册
type RegistryConfig struct {
	Enabled     bool          `mapstructure:"enabled" toml:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints" toml:"endpoints" default:"[\"127.0.0.1:2379\"]"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" toml:"dial_timeout" default:"5s"`
	ServiceName string        `mapstructure:"service_name" toml:"service_name" default:"orderbus-producer"`
}

// ConsumerConfig 消费者进程
type ConsumerConfig struct {
	SubscriptionPrefix string        `mapstructure:"subscription_prefix" toml:"subscription_prefix" default:"consumer"`
	HealthPort         int           `mapstructure:"health_port" toml:"health_port" default:"8081"`
	MetricsPort        int           `mapstructure:"metrics_port" toml:"metrics_port" default:"9091"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl" toml:"idempotency_ttl" default:"24h"`
}

// LogConfig 日志
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level" default:"info"`
}

// Default 返回填充默认值的配置
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load 读取配置文件，环境变量 ORDERBUS_* 可覆盖
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("ORDERBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// bindEnvs AutomaticEnv只对已知key生效，这里把需要环境变量覆盖的key显式注册
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{
		"server.port",
		"server.mode",
		"redisconfig.configuration",
		"redisconfig.instancename",
		"connectionstrings.localmysql",
		"connectionstrings.rabbitmq",
		"bus.transport",
		"log.level",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RedisConfig.Configuration) == "" {
		errs = append(errs, fmt.Errorf("RedisConfig.Configuration: %w", ErrEmptyConnectionString))
	}
	if strings.TrimSpace(c.ConnectionStrings.LocalMysql) == "" {
		errs = append(errs, fmt.Errorf("ConnectionStrings.LocalMysql: %w", ErrEmptyConnectionString))
	}
	switch c.Bus.Transport {
	case "rabbitmq":
		if strings.TrimSpace(c.ConnectionStrings.RabbitMq) == "" {
			errs = append(errs, fmt.Errorf("ConnectionStrings.RabbitMq: %w", ErrEmptyConnectionString))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown bus transport %q", c.Bus.Transport))
	}
	return errors.Join(errs...)
}

// Dump 以toml格式输出生效的配置
func (c *Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
