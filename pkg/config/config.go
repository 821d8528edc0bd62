// Package config loads the asyncq server configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// config file named by ASYNCQ_CONFIG, and environment variables. Each key has
// a conventional env name (HTTP_ADDR, ENGINE_WORKERS, ...) and is also
// reachable as ASYNCQ_<SECTION>_<KEY>. When no address variable is set, the
// listen address is built from HOST and PORT.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/registry"
	"github.com/guido-cesarano/asyncq/pkg/storage"
	"github.com/guido-cesarano/asyncq/pkg/transform"
)

// FileEnv names the env variable holding an optional config file path.
const FileEnv = "ASYNCQ_CONFIG"

// Config holds all server configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Engine     EngineConfig     `mapstructure:"engine" validate:"required"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MQ         MQConfig         `mapstructure:"mq"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Preprocess PreprocessConfig `mapstructure:"preprocess"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
}

type ServerConfig struct {
	Addr       string `mapstructure:"addr" validate:"required"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// EngineConfig sizes the task manager.
type EngineConfig struct {
	Workers      int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize    int           `mapstructure:"queue_size" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// RegistryConfig selects how finished tasks are retained.
type RegistryConfig struct {
	Retention  string        `mapstructure:"retention" validate:"oneof=keep_all max_entries ttl lru"`
	MaxEntries int           `mapstructure:"max_entries" validate:"gte=0"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gte=0"`
	SweepSpec  string        `mapstructure:"sweep_spec" validate:"required"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// MQConfig selects the status message backend.
type MQConfig struct {
	Type  string `mapstructure:"type" validate:"oneof=none log redis"`
	Topic string `mapstructure:"topic" validate:"required"`
}

// StorageConfig selects where result archives go.
type StorageConfig struct {
	Type string        `mapstructure:"type" validate:"oneof=none local redis"`
	Dir  string        `mapstructure:"dir" validate:"required_if=Type local"`
	TTL  time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type HeartbeatConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name" validate:"required_if=Enabled true"`
	Spec        string        `mapstructure:"spec"`
	TTL         time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type PreprocessConfig struct {
	MaxImageWidth   int     `mapstructure:"max_image_width" validate:"gt=0"`
	MaxImageHeight  int     `mapstructure:"max_image_height" validate:"gt=0"`
	MaxVideoSeconds float64 `mapstructure:"max_video_seconds" validate:"gt=0"`
	MaxTextLength   int     `mapstructure:"max_text_length" validate:"gt=0"`
}

var defaults = map[string]interface{}{
	"app.env":                      "development",
	"log.level":                    "info",
	"server.addr":                  ":8000",
	"server.cors_origin":           "*",
	"engine.workers":               2,
	"engine.queue_size":            1000,
	"engine.poll_interval":         manager.DefaultPollInterval,
	"registry.retention":           string(registry.KeepAll),
	"registry.max_entries":         10000,
	"registry.ttl":                 time.Hour,
	"registry.sweep_spec":          "@every 1m",
	"redis.addr":                   "127.0.0.1:6379",
	"mq.type":                      "none",
	"mq.topic":                     "task_status",
	"storage.type":                 "none",
	"storage.dir":                  "./data",
	"storage.ttl":                  24 * time.Hour,
	"heartbeat.enabled":            false,
	"heartbeat.service_name":       "asyncq",
	"heartbeat.spec":               "@every 10s",
	"heartbeat.ttl":                30 * time.Second,
	"preprocess.max_image_width":   4096,
	"preprocess.max_image_height":  4096,
	"preprocess.max_video_seconds": 300.0,
	"preprocess.max_text_length":   10000,
}

// envNames are the conventional env variables, kept from the original deployment.
var envNames = map[string]string{
	"app.env":                "APP_ENV",
	"log.level":              "LOG_LEVEL",
	"server.addr":            "HTTP_ADDR",
	"server.cors_origin":     "CORS_ORIGIN",
	"engine.workers":         "ENGINE_WORKERS",
	"engine.queue_size":      "TASK_QUEUE_SIZE",
	"engine.poll_interval":   "ENGINE_POLL_INTERVAL",
	"registry.retention":     "REGISTRY_RETENTION",
	"registry.sweep_spec":    "REGISTRY_SWEEP_SPEC",
	"redis.addr":             "REDIS_ADDR",
	"mq.type":                "MQ_TYPE",
	"mq.topic":               "MQ_TOPIC",
	"storage.type":           "STORAGE_TYPE",
	"heartbeat.service_name": "MCP_NAME",
}

// Host and port variables of the original deployment. They only apply when
// neither HTTP_ADDR nor ASYNCQ_SERVER_ADDR is set.
const (
	HostEnv     = "HOST"
	PortEnv     = "PORT"
	defaultPort = "8000"
)

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("ASYNCQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envNames {
		if err := v.BindEnv(key, env, "ASYNCQ_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path := os.Getenv(FileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if addr, ok := hostPortAddr(); ok {
		v.Set("server.addr", addr)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// hostPortAddr joins HOST and PORT into a listen address. HOST defaults to
// all interfaces and PORT to 8000.
func hostPortAddr() (string, bool) {
	if os.Getenv(envNames["server.addr"]) != "" || os.Getenv("ASYNCQ_SERVER_ADDR") != "" {
		return "", false
	}
	host, port := strings.TrimSpace(os.Getenv(HostEnv)), strings.TrimSpace(os.Getenv(PortEnv))
	if host == "" && port == "" {
		return "", false
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), true
}

func (c *Config) normalize() {
	c.Registry.Retention = strings.ToLower(strings.TrimSpace(c.Registry.Retention))
	c.MQ.Type = strings.ToLower(strings.TrimSpace(c.MQ.Type))
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.RetentionPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("invalid config: redis.addr is required by the selected backends")
	}
	return nil
}

func (c *Config) usesRedis() bool {
	return c.MQ.Type == "redis" || c.Storage.Type == "redis"
}

// ManagerConfig returns the task manager shape.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		QueueSize:    c.Engine.QueueSize,
		Workers:      c.Engine.Workers,
		PollInterval: c.Engine.PollInterval,
	}
}

// RetentionPolicy returns the registry retention policy.
func (c *Config) RetentionPolicy() registry.RetentionPolicy {
	return registry.RetentionPolicy{
		Kind:       registry.PolicyKind(c.Registry.Retention),
		MaxEntries: c.Registry.MaxEntries,
		TTL:        c.Registry.TTL,
	}
}

// StorageOptions returns the options for storage.New.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Dir:       c.Storage.Dir,
		RedisAddr: c.Redis.Addr,
		TTL:       c.Storage.TTL,
	}
}

// Limits returns the preprocessing limits, keeping stock values for what is not configurable.
func (c *Config) Limits() transform.Limits {
	l := transform.DefaultLimits()
	l.MaxImageWidth = c.Preprocess.MaxImageWidth
	l.MaxImageHeight = c.Preprocess.MaxImageHeight
	l.MaxVideoSeconds = c.Preprocess.MaxVideoSeconds
	l.MaxTextLength = c.Preprocess.MaxTextLength
	return l
}
