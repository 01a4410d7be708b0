package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInitLogger(t *testing.T) {
	oldGlobalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(oldGlobalLevel)

	tests := []struct {
		name          string
		logLevel      string
		expectedLevel zerolog.Level
		expectOutput  bool // whether the initialization message is emitted at this level
	}{
		{"Debug Level", "debug", zerolog.DebugLevel, true},
		{"Info Level", "info", zerolog.InfoLevel, true},
		{"Upper Case", "INFO", zerolog.InfoLevel, true},
		{"Warn Level", "warn", zerolog.WarnLevel, false},
		{"Error Level", "error", zerolog.ErrorLevel, false},
		{"Fatal Level", "fatal", zerolog.FatalLevel, false},
		{"Panic Level", "panic", zerolog.PanicLevel, false},
		{"Default Level (unknown)", "unknown", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.Disabled)

			var buf bytes.Buffer
			initLogger(&buf, tt.logLevel, "json")
			assert.Equal(t, tt.expectedLevel, zerolog.GlobalLevel())

			logOutput := buf.String()
			if tt.expectOutput {
				assert.Contains(t, logOutput, "Logger initialized with level:")
				assert.Contains(t, logOutput, tt.expectedLevel.String())
			} else {
				assert.NotContains(t, logOutput, "Logger initialized with level:")
			}
		})
	}
}

func TestInitLogger_ConsoleFormat(t *testing.T) {
	oldGlobalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(oldGlobalLevel)

	var buf bytes.Buffer
	initLogger(&buf, "info", "console")

	out := buf.String()
	assert.Contains(t, out, "Logger initialized with level:")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "console output should not be JSON")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	l := Component(base, "health_monitor")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"health_monitor"`)
}
