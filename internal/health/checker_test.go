package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name  string
	err   error
	delay time.Duration
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func TestRunChecks(t *testing.T) {
	m := NewManager(nil)
	m.Register(&mockChecker{name: "ok"})
	m.Register(&mockChecker{name: "down", err: errors.New("broken")})
	m.Register(&mockChecker{name: "slow", err: fmt.Errorf("catching up: %w", ErrDegraded)})

	results := m.RunChecks(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, StatusOK, results["ok"].Status)
	assert.Empty(t, results["ok"].Message)
	assert.Equal(t, StatusDown, results["down"].Status)
	assert.Equal(t, "broken", results["down"].Message)
	assert.Equal(t, StatusDegraded, results["slow"].Status)
	assert.Contains(t, results["slow"].Message, "catching up")
}

func TestCheckTimeout(t *testing.T) {
	m := NewManager(nil)
	m.timeout = 20 * time.Millisecond
	m.Register(&mockChecker{name: "hang", delay: time.Second})

	results := m.RunChecks(context.Background())
	assert.Equal(t, StatusDown, results["hang"].Status)
	assert.Equal(t, "health check timed out", results["hang"].Message)
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want Status
	}{
		{"no checks", nil, StatusDown},
		{"all ok", []error{nil, nil}, StatusOK},
		{"one degraded", []error{nil, ErrDegraded}, StatusDegraded},
		{"down wins", []error{ErrDegraded, errors.New("x")}, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			for i, err := range tt.errs {
				m.Register(&mockChecker{name: fmt.Sprintf("c%d", i), err: err})
			}
			m.RunChecks(context.Background())
			assert.Equal(t, tt.want, m.GetOverallStatus())
		})
	}
}

func TestGetResultsReturnsCopies(t *testing.T) {
	m := NewManager(nil)
	m.Register(&mockChecker{name: "ok"})
	m.RunChecks(context.Background())

	r := m.GetResults()
	r["ok"].Status = StatusDown
	assert.Equal(t, StatusOK, m.GetResults()["ok"].Status)
}

func TestStartPeriodicChecks(t *testing.T) {
	m := NewManager(nil)
	m.Register(&mockChecker{name: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartPeriodicChecks(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(m.GetResults()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic checks did not stop")
	}
}
