// Package config loads sheetscan settings from defaults, an optional .env
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks variables read by Load. SHEETSCAN_SERVER_PORT maps to
// server.port.
const EnvPrefix = "SHEETSCAN_"

// legacyAPIKeyEnv is honored when SHEETSCAN_GEMINI_API_KEY is unset
const legacyAPIKeyEnv = "GEMINI_API_KEY"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Gemini   GeminiConfig   `koanf:"gemini"`
	Image    ImageConfig    `koanf:"image"`
	Session  SessionConfig  `koanf:"session"`
	Notation NotationConfig `koanf:"notation"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port" validate:"min=1,max=65535"`
	CORSOrigins []string `koanf:"cors_origins"`
	// RateLimit uses the limiter format, e.g. "10-M" for ten per minute
	RateLimit string `koanf:"rate_limit" validate:"required"`
}

type GeminiConfig struct {
	APIKey         string        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	Models         []string      `koanf:"models" validate:"min=1,dive,required"`
	DiscoverModels bool          `koanf:"discover_models"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries     int           `koanf:"max_retries" validate:"min=0,max=10"`
}

type ImageConfig struct {
	MaxWidth  int `koanf:"max_width" validate:"min=64"`
	Quality   int `koanf:"quality" validate:"min=1,max=100"`
	MaxBytes  int `koanf:"max_bytes" validate:"min=1"`
	MaxPixels int `koanf:"max_pixels" validate:"min=1"`
}

type SessionConfig struct {
	Capacity int           `koanf:"capacity" validate:"min=1"`
	TTL      time.Duration `koanf:"ttl" validate:"gt=0"`
}

type NotationConfig struct {
	DefaultTitle string `koanf:"default_title"`
	StaffWidth   int    `koanf:"staff_width" validate:"min=0"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   "20-M",
		},
		Gemini: GeminiConfig{
			BaseURL:        "https://generativelanguage.googleapis.com",
			Models:         []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"},
			DiscoverModels: true,
			Timeout:        60 * time.Second,
			MaxRetries:     2,
		},
		Image: ImageConfig{
			MaxWidth:  1024,
			Quality:   60,
			MaxBytes:  10 << 20,
			MaxPixels: 40_000_000,
		},
		Session: SessionConfig{
			Capacity: 256,
			TTL:      2 * time.Hour,
		},
		Notation: NotationConfig{
			DefaultTitle: "Scanned Score",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Options control where Load looks
type Options struct {
	// EnvFile is loaded into the process environment first. A missing file
	// is not an error.
	EnvFile string
}

// Load builds the configuration. Environment variables override defaults.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyToPath(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if k.String("gemini.api_key") == "" {
		if v := os.Getenv(legacyAPIKeyEnv); v != "" {
			if err := k.Set("gemini.api_key", v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// envKeyToPath maps SERVER_RATE_LIMIT to server.rate_limit
func envKeyToPath(s string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '_' })
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
