package testutil

import (
	"bytes"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockSubsystem is a testify mock of subsystem.Subsystem.
type MockSubsystem struct {
	mock.Mock
}

func (m *MockSubsystem) Initialize() error {
	return m.Called().Error(0)
}

func (m *MockSubsystem) Start() error {
	return m.Called().Error(0)
}

func (m *MockSubsystem) Stop() error {
	return m.Called().Error(0)
}

func (m *MockSubsystem) HealthCheck() (float64, error) {
	args := m.Called()
	return args.Get(0).(float64), args.Error(1)
}

// HealthySubsystem returns a mock that starts and stops cleanly and reports
// the given health.
func HealthySubsystem(health float64) *MockSubsystem {
	m := &MockSubsystem{}
	m.On("Initialize").Return(nil).Maybe()
	m.On("Start").Return(nil).Maybe()
	m.On("Stop").Return(nil).Maybe()
	m.On("HealthCheck").Return(health, nil).Maybe()
	return m
}

// LogCapture is a concurrency-safe io.Writer for zerolog output.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *LogCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// String returns everything written so far.
func (c *LogCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Lines returns the captured output split into lines.
func (c *LogCapture) Lines() []string {
	out := strings.TrimSpace(c.String())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Count returns how many lines contain substr.
func (c *LogCapture) Count(substr string) int {
	n := 0
	for _, l := range c.Lines() {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}
