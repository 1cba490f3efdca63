package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zap.InfoLevel, parseLevel("verbose"))
}

func TestNew_WithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usms.log")
	log := New(config.LogConfig{Path: path, Level: "debug"})
	defer log.Sync()

	assert.True(t, log.Core().Enabled(zap.DebugLevel))
	log.Info("logger ready")
	assert.FileExists(t, path)
}
