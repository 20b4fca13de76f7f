package sshclient

import (
	"context"
	"sync"
	"time"
)

// MockRunner is a scripted Runner for tests.
type MockRunner struct {
	mu      sync.Mutex
	scripts map[string]MockResult
	calls   []MockCall
}

type MockResult struct {
	Result Result
	Delay  time.Duration
	// Gate, when set, holds the call until it is closed or ctx ends.
	Gate <-chan struct{}
}

type MockCall struct {
	Target Target
	Script string
}

func NewMockRunner() *MockRunner { return &MockRunner{scripts: map[string]MockResult{}} }

func (m *MockRunner) Set(script string, res MockResult) {
	m.mu.Lock()
	m.scripts[script] = res
	m.mu.Unlock()
}

func (m *MockRunner) Run(ctx context.Context, t Target, script string) Result {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Target: t, Script: script})
	r, ok := m.scripts[script]
	m.mu.Unlock()
	if !ok {
		return Result{Stderr: "sh: command not found\n", ExitCode: 127}
	}
	if r.Gate != nil {
		select {
		case <-ctx.Done():
			return failure("command aborted: %v", ctx.Err())
		case <-r.Gate:
		}
	}
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return failure("command aborted: %v", ctx.Err())
		case <-time.After(r.Delay):
		}
	}
	return r.Result
}

func (m *MockRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

var _ Runner = (*MockRunner)(nil)
