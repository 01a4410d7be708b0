// Package testutil provides conformance checks and mocks for subsystem tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SubsystemTestSuite runs the checks every Subsystem implementation must pass.
type SubsystemTestSuite struct {
	t           *testing.T
	sub         subsystem.Subsystem
	settings    map[string]any
	badSettings map[string]any
	timeout     time.Duration
}

// NewSubsystemTestSuite creates a suite for sub.
func NewSubsystemTestSuite(t *testing.T, sub subsystem.Subsystem) *SubsystemTestSuite {
	return &SubsystemTestSuite{t: t, sub: sub, timeout: 5 * time.Second}
}

// WithSettings sets a valid settings map used by the Configurable checks.
func (s *SubsystemTestSuite) WithSettings(settings map[string]any) *SubsystemTestSuite {
	s.settings = settings
	return s
}

// WithInvalidSettings sets a map Configure must reject.
func (s *SubsystemTestSuite) WithInvalidSettings(settings map[string]any) *SubsystemTestSuite {
	s.badSettings = settings
	return s
}

// WithTimeout bounds each lifecycle call.
func (s *SubsystemTestSuite) WithTimeout(d time.Duration) *SubsystemTestSuite {
	s.timeout = d
	return s
}

// RunLifecycleTests drives Initialize, Start, HealthCheck and Stop.
func (s *SubsystemTestSuite) RunLifecycleTests() {
	s.t.Run("Initialize", func(t *testing.T) {
		require.NoError(t, s.within(t, s.sub.Initialize))
	})
	s.t.Run("Start", func(t *testing.T) {
		require.NoError(t, s.within(t, s.sub.Start))
	})
	s.t.Run("HealthInRange", func(t *testing.T) {
		score, err := s.sub.HealthCheck()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})
	s.t.Run("ConcurrentHealthChecks", s.testConcurrentHealth)
	s.t.Run("Capabilities", s.testCapabilities)
	s.t.Run("Stop", func(t *testing.T) {
		require.NoError(t, s.within(t, s.sub.Stop))
		assert.NotPanics(t, func() { _, _ = s.sub.HealthCheck() })
	})
}

func (s *SubsystemTestSuite) testConcurrentHealth(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- fmt.Errorf("panic: %v", r)
				}
			}()
			if _, err := s.sub.HealthCheck(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func (s *SubsystemTestSuite) testCapabilities(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if c, ok := s.sub.(subsystem.Configurable); ok {
		if s.settings != nil {
			assert.NoError(t, c.Configure(s.settings))
		}
		if s.badSettings != nil {
			assert.Error(t, c.Configure(s.badSettings))
		}
	}
	if sm, ok := s.sub.(subsystem.SafetyMode); ok {
		assert.NoError(t, sm.ApplyMaximumSafety(ctx))
		assert.NoError(t, sm.ApplyMaximumSafety(ctx), "applying twice is harmless")
		assert.NoError(t, sm.RestoreNormal(ctx))
	}
	if p, ok := s.sub.(subsystem.Protector); ok {
		assert.NoError(t, p.StartProtection(ctx))
	}
}

func (s *SubsystemTestSuite) within(t *testing.T, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.timeout):
		t.Fatalf("call did not return within %s", s.timeout)
		return nil
	}
}
