package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Validate checks the config for invalid values and returns all errors found.
// Values that would stall or spin the service are clamped to safe defaults.
// Errors are meant to be logged as warnings; none of them prevent startup.
func (c *Config) Validate() []error {
	var errs []error
	def := Default()

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr %q is not host:port, using %s: %w", c.ListenAddr, DefaultListenAddr, err))
		c.ListenAddr = DefaultListenAddr
	}

	if strings.TrimSpace(c.RuntimeDir) == "" {
		errs = append(errs, fmt.Errorf("runtime_dir is empty, using %s", def.RuntimeDir))
		c.RuntimeDir = def.RuntimeDir
	}

	if c.GitHubAPIURL != "" {
		u, err := url.Parse(c.GitHubAPIURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("github_api_url %q is not a valid URL: %w", c.GitHubAPIURL, err))
			c.GitHubAPIURL = def.GitHubAPIURL
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("github_api_url scheme must be http or https, got %q", u.Scheme))
			c.GitHubAPIURL = def.GitHubAPIURL
		}
	} else {
		c.GitHubAPIURL = def.GitHubAPIURL
	}

	c.CatalogTTL = clampDuration(&errs, "catalog_ttl", c.CatalogTTL, time.Minute, 7*24*time.Hour)
	c.IdleBackoff = clampDuration(&errs, "idle_backoff", c.IdleBackoff, 10*time.Millisecond, 10*time.Second)
	c.DownloadIdleTimeout = clampDuration(&errs, "download_idle_timeout", c.DownloadIdleTimeout, 5*time.Second, 30*time.Minute)

	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max_sessions %d is below minimum 1, clamping", c.MaxSessions))
		c.MaxSessions = 1
	}

	if c.MinFreeSpaceFactor < 0 {
		errs = append(errs, fmt.Errorf("min_free_space_factor %.2f is negative, disabling the check", c.MinFreeSpaceFactor))
		c.MinFreeSpaceFactor = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.LogFormat != "" && !validLogFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}

	return errs
}

func clampDuration(errs *[]error, key string, d, lo, hi time.Duration) time.Duration {
	if d < lo {
		*errs = append(*errs, fmt.Errorf("%s %s is below minimum %s, clamping", key, d, lo))
		return lo
	}
	if d > hi {
		*errs = append(*errs, fmt.Errorf("%s %s exceeds maximum %s, clamping", key, d, hi))
		return hi
	}
	return d
}
