// Package config loads favsync settings: built-in defaults, then a YAML
// file, then FAVSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix         = "FAVSYNC_"
	ConfigPathEnvVar  = "FAVSYNC_CONFIG"
	DefaultConfigPath = "config.yaml"

	LedgerD1     = "d1"
	LedgerSQLite = "sqlite"
)

type Config struct {
	Proxy      string           `koanf:"proxy" validate:"omitempty,url"`
	StateDir   string           `koanf:"state_dir" validate:"required"`
	CacheDir   string           `koanf:"cache_dir"`
	Log        LogConfig        `koanf:"log"`
	Retry      RetryConfig      `koanf:"retry"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	Cloudflare CloudflareConfig `koanf:"cloudflare"`
	Bilibili   BilibiliConfig   `koanf:"bilibili"`
	Tangxin    TangxinConfig    `koanf:"tangxin"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Filename   FilenameConfig   `koanf:"filename"`
	Tools      ToolsConfig      `koanf:"tools"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=console json"`
	Dir    string `koanf:"dir"`
}

type RetryConfig struct {
	Attempts  int           `koanf:"attempts" validate:"min=1,max=20"`
	BaseDelay time.Duration `koanf:"base_delay"`
}

type LedgerConfig struct {
	Backend    string `koanf:"backend" validate:"oneof=d1 sqlite"`
	SQLitePath string `koanf:"sqlite_path"`
}

type CloudflareConfig struct {
	AccountID string            `koanf:"account_id"`
	APIKey    string            `koanf:"api_key"`
	D1ID      string            `koanf:"d1_id"`
	KVIDs     map[string]string `koanf:"kv_ids"`
	BaseURL   string            `koanf:"base_url" validate:"omitempty,url"`
	Timeout   time.Duration     `koanf:"timeout"`
}

type BilibiliConfig struct {
	Enabled bool   `koanf:"enabled"`
	FavID   int64  `koanf:"fav_id"`
	Path    string `koanf:"path"`
	Cookies string `koanf:"cookies"`
	// Toview also archives the watch-later list into <path>/toview.
	Toview             bool          `koanf:"toview"`
	APIBaseURL         string        `koanf:"api_base_url" validate:"omitempty,url"`
	VideoURLPrefix     string        `koanf:"video_url_prefix" validate:"omitempty,url"`
	ValidateBatch      int           `koanf:"validate_batch" validate:"min=1"`
	ValidatePause      time.Duration `koanf:"validate_pause"`
	ClearToviewOnEmpty bool          `koanf:"clear_toview_on_empty"`
}

type TangxinConfig struct {
	Enabled bool          `koanf:"enabled"`
	Host    string        `koanf:"host"`
	Path    string        `koanf:"path"`
	// Timeout bounds each connect and each wait for segment data.
	Timeout time.Duration `koanf:"timeout"`

	// BandwidthLimit caps segment downloads in bytes per second across
	// all items. Zero means unlimited.
	BandwidthLimit int64 `koanf:"bandwidth_limit" validate:"min=0"`
}

type TelegramConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Path     string   `koanf:"path"`
	Channels []string `koanf:"channels"`
}

type FilenameConfig struct {
	MaxBytes int `koanf:"max_bytes" validate:"min=16,max=250"`
}

type ToolsConfig struct {
	YTDLP  string `koanf:"yt_dlp"`
	FFmpeg string `koanf:"ffmpeg"`
}

type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

func defaultConfig() *Config {
	return &Config{
		StateDir: "./data",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend:    LedgerD1,
			SQLitePath: "./data/ledger.db",
		},
		Cloudflare: CloudflareConfig{
			BaseURL: "https://api.cloudflare.com/client/v4",
			Timeout: 30 * time.Second,
		},
		Bilibili: BilibiliConfig{
			Toview:             true,
			APIBaseURL:         "https://api.bilibili.com",
			VideoURLPrefix:     "https://www.bilibili.com/video/",
			ValidateBatch:      5,
			ValidatePause:      time.Second,
			ClearToviewOnEmpty: true,
		},
		Tangxin: TangxinConfig{
			Timeout: 60 * time.Second,
		},
		Filename: FilenameConfig{
			MaxBytes: 240,
		},
		Tools: ToolsConfig{
			YTDLP:  "yt-dlp",
			FFmpeg: "ffmpeg",
		},
	}
}

// Load reads configuration from path (or FAVSYNC_CONFIG, or ./config.yaml
// when present) layered over defaults, then applies the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if p := findConfigFile(path); p != "" {
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", p, err)
		}
	} else if strings.TrimSpace(path) != "" {
		return nil, fmt.Errorf("config file %s not found", path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitListField(k, "telegram.channels"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// envKey maps FAVSYNC_BILIBILI__FAV_ID to bilibili.fav_id.
func envKey(s string) string {
	if s == ConfigPathEnvVar {
		return ""
	}
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func splitListField(k *koanf.Koanf, path string) error {
	raw, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if c.Ledger.Backend == LedgerD1 || c.Tangxin.Enabled {
		if c.Cloudflare.AccountID == "" || c.Cloudflare.APIKey == "" || c.Cloudflare.D1ID == "" {
			errs = append(errs, errors.New("cloudflare.account_id, api_key and d1_id are required for the d1 ledger and the tangxin catalog"))
		}
	}
	if c.Ledger.Backend == LedgerSQLite && strings.TrimSpace(c.Ledger.SQLitePath) == "" {
		errs = append(errs, errors.New("ledger.sqlite_path is required for the sqlite ledger"))
	}
	if c.Bilibili.Enabled {
		if strings.TrimSpace(c.Bilibili.Path) == "" {
			errs = append(errs, errors.New("bilibili.path is required"))
		}
		if strings.TrimSpace(c.Bilibili.Cookies) == "" {
			errs = append(errs, errors.New("bilibili.cookies is required"))
		}
		if c.Bilibili.FavID == 0 && !c.Bilibili.Toview {
			errs = append(errs, errors.New("bilibili needs fav_id or toview"))
		}
	}
	if c.Tangxin.Enabled {
		if strings.TrimSpace(c.Tangxin.Host) == "" || strings.TrimSpace(c.Tangxin.Path) == "" {
			errs = append(errs, errors.New("tangxin.host and tangxin.path are required"))
		}
		if strings.TrimSpace(c.Cloudflare.KVIDs["tangxin"]) == "" {
			errs = append(errs, errors.New("cloudflare.kv_ids.tangxin is required"))
		}
	}
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Path) == "" {
			errs = append(errs, errors.New("telegram.path is required"))
		}
		if len(c.Telegram.Channels) == 0 {
			errs = append(errs, errors.New("telegram.channels must list at least one channel"))
		}
	}
	return errors.Join(errs...)
}
