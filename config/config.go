package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var gitSHA string
var buildDate string

func lookupInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func lookupDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// ParseFilesize parses a size with an optional K/M/G suffix, like "500M" or
// "2G". A bare number is taken as bytes.
func ParseFilesize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty filesize")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad filesize %q: %w", s, err)
	}
	return int64(n * float64(mult)), nil
}

func lookupFilesize(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := ParseFilesize(value); err == nil {
			return n
		}
	}
	return fallback
}

func GetDataDir() string {
	if value, exists := os.LookupEnv("RETROVERT_DATA_DIR"); exists {
		return value
	}
	return "data"
}

// defaults to GetDataDir() / config
func GetConfigDir() string {
	if value, exists := os.LookupEnv("RETROVERT_CONFIG_DIR"); exists {
		return value
	}
	return filepath.Join(GetDataDir(), "config")
}

func GetCookiesFile() string {
	if value, exists := os.LookupEnv("RETROVERT_COOKIES_FILE"); exists {
		return value
	}
	return filepath.Join(GetConfigDir(), "cookies.txt")
}

// GetMaxDuration is the admission ceiling on source duration. Zero means
// no limit.
func GetMaxDuration() time.Duration {
	return lookupDuration("RETROVERT_MAX_DURATION", 24*time.Hour)
}

// GetMaxFilesize is the declared-size admission ceiling and the abort limit
// handed to the fetch process.
func GetMaxFilesize() int64 {
	return lookupFilesize("RETROVERT_MAX_FILESIZE", 2*1024*1024*1024)
}

// GetRetentionWindow is the artifact lifetime on disk.
func GetRetentionWindow() time.Duration {
	return lookupDuration("RETROVERT_RETENTION_WINDOW", 24*time.Hour)
}

// GetAuditRetentionWindow is the lifetime of terminal job records, which
// outlive their artifacts to keep status polling working after cleanup.
func GetAuditRetentionWindow() time.Duration {
	return lookupDuration("RETROVERT_AUDIT_RETENTION_WINDOW", 48*time.Hour)
}

// GetConcurrencyCeiling is the maximum number of simultaneous jobs.
func GetConcurrencyCeiling() int {
	return lookupInt("RETROVERT_CONCURRENCY", 1)
}

// GetDiskThreshold is the free-space floor below which admission triggers a
// reclaim pass.
func GetDiskThreshold() int64 {
	return lookupFilesize("RETROVERT_DISK_THRESHOLD", 50*1024*1024)
}

func GetSubtitleMaxDuration() time.Duration {
	return lookupDuration("RETROVERT_SUBTITLE_MAX_DURATION", 4100*time.Hour)
}

func GetSubtitleMaxFilesize() int64 {
	return lookupFilesize("RETROVERT_SUBTITLE_MAX_FILESIZE", 2000*1024*1024)
}

// GetEncodeThreads caps the external encoder's thread count.
func GetEncodeThreads() int {
	return lookupInt("RETROVERT_ENCODE_THREADS", 1)
}

func GetCaptionFontSize() int {
	return lookupInt("RETROVERT_CAPTION_FONT_SIZE", 14)
}

func GetCaptionMargin() int {
	return lookupInt("RETROVERT_CAPTION_MARGIN", 0)
}

func GetAdminInitialPassword() (string, error) {
	key := "RETROVERT_ADMIN_INITIAL_PASSWORD"
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", fmt.Errorf("please set %s", key)
}

func GetSessionAuthKey() ([]byte, error) {
	key := "RETROVERT_SESSION_AUTH_KEY"
	if value, exists := os.LookupEnv(key); exists {
		return []byte(value), nil
	}
	return []byte{}, fmt.Errorf("please set %s", key)
}

func GetSecure() bool {
	if value, exists := os.LookupEnv("RETROVERT_SECURE"); exists {
		lower := strings.ToLower(value)
		if lower == "on" || lower == "1" || lower == "true" || lower == "yes" {
			return true
		}
	}
	return false
}

func GetListenAddr() string {
	if value, exists := os.LookupEnv("RETROVERT_LISTEN"); exists {
		return value
	}
	return ":8080"
}

func GetGitSHA() string {
	if gitSHA == "" {
		return "<not provided>"
	}
	return gitSHA
}

func GetBuildDate() string {
	if buildDate == "" {
		return "<not provided>"
	}
	return buildDate
}
