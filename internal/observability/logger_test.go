package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggingConfig
		level   zapcore.Level
		wantErr bool
	}{
		{"structured default", LoggingConfig{Service: "coverscan"}, zapcore.InfoLevel, false},
		{"structured upper", LoggingConfig{Level: "debug", Profile: "STRUCTURED"}, zapcore.DebugLevel, false},
		{"console", LoggingConfig{Level: "warn", Profile: "console"}, zapcore.WarnLevel, false},
		{"bad profile", LoggingConfig{Profile: "xml"}, 0, true},
		{"bad level", LoggingConfig{Level: "loud"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			assert.False(t, logger.Core().Enabled(tt.level-1))
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)

	level, err = ParseLevel(" ERROR ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.ErrorLevel, level)
}
