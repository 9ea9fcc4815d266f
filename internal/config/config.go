package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gomithril/embeddinglab"
)

const EnvPrefix = "EMBEDDINGLAB"

const DefaultText = "Saya sedang menguji embedding Gemma untuk demo ONNX di Go."

type Config struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	LogLevel      string        `mapstructure:"log_level"`
	CacheDir      string        `mapstructure:"cache_dir"`
	StallTimeout  time.Duration `mapstructure:"stall_timeout"`
	OnnxRuntime   string        `mapstructure:"onnx_runtime"`
	TokenizerPath string        `mapstructure:"tokenizer_path"`
	ModelURL      string        `mapstructure:"model_url"`
	ContextSize   int           `mapstructure:"context_size"`
	EmbedDim      int           `mapstructure:"embed_dim"`
	UploadExt     string        `mapstructure:"upload_ext"`
	DefaultText   string        `mapstructure:"default_text"`
	CorsOrigins   []string      `mapstructure:"cors_origins"`
}

// Addr is the listen address for the web surface.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadOptions builds the fixed load configuration from the context size setting.
func (c *Config) LoadOptions() embeddinglab.LoadOptions {
	opts := embeddinglab.DefaultLoadOptions()
	if c.ContextSize > 0 {
		opts.ContextSize = c.ContextSize
	}
	return opts
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8890)
	v.SetDefault("log_level", "info")
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("stall_timeout", 2*time.Minute)
	v.SetDefault("onnx_runtime", "")
	v.SetDefault("tokenizer_path", "models/tokenizer.model")
	v.SetDefault("model_url", embeddinglab.DefaultModelURL)
	v.SetDefault("context_size", embeddinglab.DefaultContextSize)
	v.SetDefault("embed_dim", 768)
	v.SetDefault("upload_ext", ".onnx")
	v.SetDefault("default_text", DefaultText)
	v.SetDefault("cors_origins", []string{})
}

// BindEnv wires the prefixed environment and the legacy variable names.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`, `.`, `_`))
	v.AutomaticEnv()

	legacy := map[string]string{
		"onnx_runtime":   "ONNX_RUNTIME",
		"tokenizer_path": "MODELPATH",
		"log_level":      "LOG_LEVEL",
	}
	for key, name := range legacy {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), name); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the env file, the config file and the environment into a Config.
func Load(v *viper.Viper, envFile, configFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ContextSize <= 0 {
		return fmt.Errorf("context_size must be positive, got %d", c.ContextSize)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("embed_dim must be positive, got %d", c.EmbedDim)
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("stall_timeout must be positive, got %s", c.StallTimeout)
	}
	if !strings.HasPrefix(c.UploadExt, ".") {
		return fmt.Errorf("upload_ext must start with a dot, got %q", c.UploadExt)
	}
	return nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("env file not found: %s", envFile)
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "embeddinglab")
	}
	return filepath.Join(os.TempDir(), "embeddinglab")
}
