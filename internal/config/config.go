package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultListenAddr = "127.0.0.1:8887"
	logFileName       = "wine-cask.log"
	fallbackLogName   = "decky-wine-cellar.log"
)

type Config struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	RuntimeDir          string        `mapstructure:"runtime_dir"`
	UserHome            string        `mapstructure:"user_home"`
	LogFile             string        `mapstructure:"log_file"`
	LogDir              string        `mapstructure:"log_dir"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	CatalogTTL          time.Duration `mapstructure:"catalog_ttl"`
	IdleBackoff         time.Duration `mapstructure:"idle_backoff"`
	DownloadIdleTimeout time.Duration `mapstructure:"download_idle_timeout"`
	MaxSessions         int           `mapstructure:"max_sessions"`
	WatchInstallDir     bool          `mapstructure:"watch_install_dir"`
	GitHubAPIURL        string        `mapstructure:"github_api_url"`
	MinFreeSpaceFactor  float64       `mapstructure:"min_free_space_factor"`
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr:          DefaultListenAddr,
		RuntimeDir:          filepath.Join(os.TempDir(), "decky-wine-cellar"),
		UserHome:            home,
		LogLevel:            "info",
		LogFormat:           "text",
		CatalogTTL:          23*time.Hour + 30*time.Minute,
		IdleBackoff:         250 * time.Millisecond,
		DownloadIdleTimeout: 60 * time.Second,
		MaxSessions:         4,
		WatchInstallDir:     true,
		GitHubAPIURL:        "https://api.github.com",
		MinFreeSpaceFactor:  3,
	}
}

// envBindings maps config keys to the environment variables the plugin
// loader exports. WINE_CASK_<KEY> is still honoured for every other key.
var envBindings = map[string][]string{
	"runtime_dir": {"DECKY_PLUGIN_RUNTIME_DIR", "WINE_CASK_RUNTIME_DIR"},
	"user_home":   {"DECKY_USER_HOME", "WINE_CASK_USER_HOME"},
	"log_file":    {"DECKY_PLUGIN_LOG", "WINE_CASK_LOG_FILE"},
	"log_dir":     {"DECKY_PLUGIN_LOG_DIR", "WINE_CASK_LOG_DIR"},
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("runtime_dir", cfg.RuntimeDir)
	v.SetDefault("user_home", cfg.UserHome)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_dir", cfg.LogDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("catalog_ttl", cfg.CatalogTTL)
	v.SetDefault("idle_backoff", cfg.IdleBackoff)
	v.SetDefault("download_idle_timeout", cfg.DownloadIdleTimeout)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("watch_install_dir", cfg.WatchInstallDir)
	v.SetDefault("github_api_url", cfg.GitHubAPIURL)
	v.SetDefault("min_free_space_factor", cfg.MinFreeSpaceFactor)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("wine-cask")
		v.SetConfigType("yaml")
		if cfg.UserHome != "" {
			v.AddConfigPath(filepath.Join(cfg.UserHome, ".config", "wine-cask"))
		}
	}

	v.SetEnvPrefix("WINE_CASK")
	v.AutomaticEnv()
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogPath resolves where the service log goes: the explicit log file, then
// the log directory, then the system temp directory.
func (c *Config) LogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	if c.LogDir != "" {
		return filepath.Join(c.LogDir, logFileName)
	}
	return filepath.Join(os.TempDir(), fallbackLogName)
}
