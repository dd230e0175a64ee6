package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/database"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	pkgredis "github.com/lk2023060901/ai-chat-stream/internal/pkg/redis"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CHAT_MODEL_API_KEY
const EnvPrefix = "CHAT"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     logger.Config `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Model   ModelConfig   `mapstructure:"model"`
	Title   TitleConfig   `mapstructure:"title"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // gin mode: debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver   string           `mapstructure:"driver"` // bolt, redis, postgres
	Bolt     BoltConfig       `mapstructure:"bolt"`
	Redis    *pkgredis.Config `mapstructure:"redis"`
	Database *database.Config `mapstructure:"database"`
}

type BoltConfig struct {
	Path    string        `mapstructure:"path"`
	Bucket  string        `mapstructure:"bucket"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ModelConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	TitleModel       string        `mapstructure:"title_model"`
	Instructions     string        `mapstructure:"instructions"`
	ReasoningEffort  string        `mapstructure:"reasoning_effort"`
	ReasoningSummary string        `mapstructure:"reasoning_summary"`
	Timeout          time.Duration `mapstructure:"timeout"` // connect and header timeout, not the stream
	Tools            []ToolConfig  `mapstructure:"tools"`
}

type ToolConfig struct {
	Type            string `mapstructure:"type"`
	ServerLabel     string `mapstructure:"server_label"`
	ServerURL       string `mapstructure:"server_url"`
	RequireApproval string `mapstructure:"require_approval"`
}

type TitleConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	Workers         int           `mapstructure:"workers"`
	MaxPromptTokens int           `mapstructure:"max_prompt_tokens"`
	Encoding        string        `mapstructure:"encoding"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	log := logger.DefaultConfig()
	v.SetDefault("log.level", log.Level)
	v.SetDefault("log.format", log.Format)
	v.SetDefault("log.output", log.Output)
	v.SetDefault("log.enable_caller", log.EnableCaller)
	v.SetDefault("log.enable_stacktrace", log.EnableStacktrace)
	v.SetDefault("log.file.filename", log.File.Filename)
	v.SetDefault("log.file.maxsize", log.File.MaxSize)
	v.SetDefault("log.file.maxage", log.File.MaxAge)
	v.SetDefault("log.file.maxbackups", log.File.MaxBackups)
	v.SetDefault("log.file.compress", log.File.Compress)

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.bolt.path", "data/chat.db")
	v.SetDefault("storage.bolt.bucket", "threads")
	v.SetDefault("storage.bolt.timeout", time.Second)
	v.SetDefault("storage.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.password", "")

	v.SetDefault("model.base_url", "https://api.openai.com/v1")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.model", "gpt-4.1")
	v.SetDefault("model.title_model", "gpt-4.1-mini")
	v.SetDefault("model.instructions", "")
	v.SetDefault("model.timeout", 30*time.Second)

	v.SetDefault("title.timeout", 30*time.Second)
	v.SetDefault("title.workers", 2)
	v.SetDefault("title.max_prompt_tokens", 1000)
	v.SetDefault("title.encoding", "cl100k_base")
}

// LoadConfig reads .env, then the config file at path (optional when empty),
// then CHAT_* environment overrides
func LoadConfig(path string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	config := Config{
		Storage: StorageConfig{
			Redis:    pkgredis.DefaultConfig(),
			Database: database.DefaultConfig(),
		},
	}
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate checks the sections that the selected components need
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Bolt.Path == "" {
			return errors.New("storage.bolt.path is required")
		}
	case "redis":
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	case "postgres":
		if err := c.Storage.Database.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be one of bolt, redis, postgres, got %q", c.Storage.Driver)
	}

	if c.Model.BaseURL == "" || c.Model.Model == "" {
		return errors.New("model.base_url and model.model are required")
	}
	for i, tool := range c.Model.Tools {
		if tool.Type == "" {
			return fmt.Errorf("model.tools[%d].type is required", i)
		}
		if tool.Type == "mcp" && (tool.ServerLabel == "" || tool.ServerURL == "") {
			return fmt.Errorf("model.tools[%d]: mcp tools need server_label and server_url", i)
		}
	}
	if c.Title.Workers < 0 {
		return errors.New("title.workers must be >= 0")
	}
	return nil
}
