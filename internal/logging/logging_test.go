package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"datameta/internal/config"
	"datameta/internal/logging"
)

func TestNewHonoursLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "warn"
	log, err := logging.New(cfg)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestMustFallsBackToNop(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "chatty"
	log := logging.Must(cfg)
	require.NotNil(t, log)
	assert.False(t, log.Core().Enabled(zapcore.ErrorLevel))
}
