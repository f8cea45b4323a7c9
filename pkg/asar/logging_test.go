package asar

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", "debug", zerolog.DebugLevel, false},
		{"info", "info", zerolog.InfoLevel, false},
		{"warn", "warn", zerolog.WarnLevel, false},
		{"warning", "warning", zerolog.WarnLevel, false},
		{"error", "error", zerolog.ErrorLevel, false},
		{"disabled", "disabled", zerolog.Disabled, false},
		{"none", "none", zerolog.Disabled, false},
		{"off", "off", zerolog.Disabled, false},
		{"case insensitive", "DEBUG", zerolog.DebugLevel, false},
		{"invalid", "verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetLogLevel(tt.level)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, zerolog.GlobalLevel())
			}
		})
	}
}

func ExampleSetLogLevel() {
	// Per-file logs while packing and extracting
	SetLogLevel("debug")

	// Operation summaries only
	SetLogLevel("info")

	SetLogLevel("disabled")
}
