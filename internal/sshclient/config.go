package sshclient

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration
	// CommandTimeout bounds the remote command; zero means no limit.
	CommandTimeout time.Duration
}

func LoadConfig() Config {
	connect := 10 * time.Second
	if v := os.Getenv("SSH_CONNECT_TIMEOUT"); v != "" {
		if d, ok := parseSeconds(v); ok && d > 0 {
			connect = d
		}
	}

	var command time.Duration
	if v := os.Getenv("SSH_COMMAND_TIMEOUT"); v != "" {
		if d, ok := parseSeconds(v); ok && d >= 0 {
			command = d
		}
	}

	return Config{
		ConnectTimeout: connect,
		CommandTimeout: command,
	}
}

// parseSeconds accepts a Go duration ("90s", "2m") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
