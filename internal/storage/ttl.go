package storage

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// TTL configuration constants and defaults.
const (
	// MaxTTL is the longest accepted TTL (365 days).
	MaxTTL = 365 * 24 * time.Hour

	// minutesPerHour is used for duration formatting calculations.
	minutesPerHour = 60

	// hoursPerDay is used for duration formatting calculations.
	hoursPerDay = 24

	// EnvTTL is the environment variable for the default entry TTL.
	EnvTTL = "LOADSTATE_STORAGE_TTL"
)

// ErrInvalidTTL is returned for negative or oversized TTLs.
var ErrInvalidTTL = errors.New("TTL must be between 0 and 365 days")

// ParseTTL parses a TTL string in various formats:
// - Integer seconds: "3600".
// - Duration string: "1h", "30m", "1h30m".
// - Day suffix: "7d".
// An empty string or "0" means no expiry.
func ParseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(s); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if days, ok := parseDays(s); ok {
		d = time.Duration(days) * hoursPerDay * time.Hour
	} else {
		parsed, parseErr := time.ParseDuration(s)
		if parseErr != nil {
			return 0, fmt.Errorf("invalid TTL format: %w", parseErr)
		}
		d = parsed
	}

	if d < 0 || d > MaxTTL {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidTTL, s)
	}
	return d, nil
}

func parseDays(s string) (int, bool) {
	if len(s) < 2 || s[len(s)-1] != 'd' {
		return 0, false
	}
	days, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, false
	}
	return days, true
}

// GetTTLFromEnv reads the default TTL from the environment.
// Unset or invalid values yield 0 (no expiry).
func GetTTLFromEnv() time.Duration {
	ttl, err := ParseTTL(os.Getenv(EnvTTL))
	if err != nil {
		return 0
	}
	return ttl
}

// FormatDuration formats a duration in a human-readable way.
// Examples: "1h", "30m", "5m30s", "2d3h".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	if d < hoursPerDay*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % minutesPerHour
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	days := int(d.Hours()) / hoursPerDay
	hours := int(d.Hours()) % hoursPerDay
	if hours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd%dh", days, hours)
}
