// Package config reads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ivannde/lecollecteur/internal/scheduler"
	"github.com/ivannde/lecollecteur/internal/sshclient"
)

type Config struct {
	DBPath        string
	Listen        string
	InventoryFile string

	Interval     time.Duration
	Jitter       time.Duration
	Workers      int
	QueueSize    int
	DispatchRate float64
	// ShutdownGrace bounds how long serve waits for runs in progress.
	ShutdownGrace time.Duration

	SSH sshclient.Config

	MissingServer         scheduler.MissingServerPolicy
	HaltRecurrenceOnError bool

	LogLevel  string
	LogFormat string

	// RetentionDays <= 0 disables log pruning.
	RetentionDays     int
	RetentionSchedule string
}

func getenv(k, fb string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fb
}

func getenvInt(k string, fb int) (int, error) {
	v := getenv(k, "")
	if v == "" {
		return fb, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, fb time.Duration) (time.Duration, error) {
	v := getenv(k, "")
	if v == "" {
		return fb, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", k, v)
	}
	return time.Duration(n) * time.Second, nil
}

func getenvBool(k string, fb bool) (bool, error) {
	v := getenv(k, "")
	if v == "" {
		return fb, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	c := Config{
		DBPath:            getenv("COLLECTEUR_DB", "data/lecollecteur.db"),
		Listen:            getenv("COLLECTEUR_LISTEN", ":8080"),
		InventoryFile:     getenv("INVENTORY_FILE", ""),
		SSH:               sshclient.LoadConfig(),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "console"),
		RetentionSchedule: getenv("LOG_RETENTION_SCHEDULE", "@daily"),
	}

	var err error
	if c.Interval, err = getenvDuration("SCHEDULER_INTERVAL", time.Minute); err != nil {
		return c, err
	}
	if c.Jitter, err = getenvDuration("SCHEDULER_JITTER", 0); err != nil {
		return c, err
	}
	if c.ShutdownGrace, err = getenvDuration("SHUTDOWN_GRACE", 30*time.Second); err != nil {
		return c, err
	}
	if c.Workers, err = getenvInt("SCHEDULER_WORKERS", 4); err != nil {
		return c, err
	}
	if c.QueueSize, err = getenvInt("SCHEDULER_QUEUE", 100); err != nil {
		return c, err
	}
	if c.RetentionDays, err = getenvInt("LOG_RETENTION_DAYS", 0); err != nil {
		return c, err
	}
	if c.HaltRecurrenceOnError, err = getenvBool("HALT_RECURRENCE_ON_ERROR", false); err != nil {
		return c, err
	}
	if v := getenv("DISPATCH_RATE", ""); v != "" {
		if c.DispatchRate, err = strconv.ParseFloat(v, 64); err != nil {
			return c, fmt.Errorf("DISPATCH_RATE: %w", err)
		}
	}

	policy, ok := scheduler.ParseMissingServerPolicy(getenv("MISSING_SERVER_POLICY", ""))
	if !ok {
		return c, fmt.Errorf("MISSING_SERVER_POLICY: want skip or error, got %q", os.Getenv("MISSING_SERVER_POLICY"))
	}
	c.MissingServer = policy

	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("database path is required")
	case c.Interval <= 0:
		return fmt.Errorf("scheduler interval must be positive, got %s", c.Interval)
	case c.Jitter < 0:
		return fmt.Errorf("scheduler jitter must not be negative")
	case c.Workers < 1:
		return fmt.Errorf("scheduler workers must be at least 1, got %d", c.Workers)
	case c.QueueSize < 1:
		return fmt.Errorf("scheduler queue must be at least 1, got %d", c.QueueSize)
	case c.DispatchRate < 0:
		return fmt.Errorf("dispatch rate must not be negative")
	case c.ShutdownGrace < 0:
		return fmt.Errorf("shutdown grace must not be negative")
	}
	return nil
}
