package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSSHPort is used when a server is registered without a port.
const DefaultSSHPort = 22

var (
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidDueAt      = errors.New("invalid due time")
)

// Server is a registered remote host.
type Server struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	User     string `json:"user"`
	Port     int    `json:"port"`
	KeyPath  string `json:"key_path,omitempty"`
	Password string `json:"-"`
}

// HasCredential reports whether a key path or a password is set.
func (s Server) HasCredential() bool {
	return strings.TrimSpace(s.KeyPath) != "" || s.Password != ""
}

type Recurrence string

const (
	RecurrenceNone   Recurrence = ""
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"
)

// ParseRecurrence accepts "", "none", "daily" and "weekly" (case-insensitive).
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RecurrenceNone, nil
	case "daily":
		return RecurrenceDaily, nil
	case "weekly":
		return RecurrenceWeekly, nil
	default:
		return RecurrenceNone, fmt.Errorf("%w: %q", ErrInvalidRecurrence, s)
	}
}

func (r Recurrence) String() string {
	if r == RecurrenceNone {
		return "none"
	}
	return string(r)
}

type Status string

const (
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusError  Status = "error"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusDone:
		return StatusDone, nil
	case StatusError:
		return StatusError, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Task is a scheduled script execution against one server.
type Task struct {
	ID         int64      `json:"id"`
	ServerID   int64      `json:"server_id"`
	Script     string     `json:"script"`
	DueAt      time.Time  `json:"due_at"`
	Recurrence Recurrence `json:"recurrence"`
	Status     Status     `json:"status"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
}

// IsDue reports whether the task is active and its due time has passed.
func (t Task) IsDue(now time.Time) bool {
	return t.Status == StatusActive && !t.DueAt.After(now)
}

type Origin string

const (
	OriginManual    Origin = "manual"
	OriginAutomatic Origin = "automatic"
)

// AutomaticMarker must appear in the error text of every failed automatic
// run; the recent-failure alert count matches on it.
const AutomaticMarker = "automatic"

// AutomaticErrorPrefix prefixes the error text of failed automatic runs.
const AutomaticErrorPrefix = "automatic run failed: "

// ExecutionLog records one execution attempt. Error is empty when the
// remote call succeeded.
type ExecutionLog struct {
	ID         int64     `json:"id"`
	ServerID   int64     `json:"server_id"`
	Script     string    `json:"script"`
	ExecutedAt time.Time `json:"executed_at"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Error      string    `json:"error,omitempty"`
	Origin     Origin    `json:"origin"`
}

func (l ExecutionLog) Failed() bool { return l.Error != "" }
