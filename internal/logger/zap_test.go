package logger

import (
	"testing"

	"github.com/nadmax/rowpilot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggerConfig
	}{
		{"console", config.LoggerConfig{Level: "debug", Encoding: "console"}},
		{"json", config.LoggerConfig{Level: "warn", Encoding: "json"}},
		{"invalid level falls back", config.LoggerConfig{Level: "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			require.NoError(t, err)
			assert.NotNil(t, log.SugaredLogger)
			assert.NotNil(t, log.Named("engine"))
		})
	}
}

func TestNew_InvalidOutput(t *testing.T) {
	_, err := New(config.LoggerConfig{OutputPaths: []string{"/nonexistent-dir/x/log.txt"}})
	assert.Error(t, err)
}
