package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoyal88/searchlog/pkg/config"
)

func TestSetupLevelAndFormat(t *testing.T) {
	t.Cleanup(func() {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
		log.SetOutput(os.Stderr)
	})

	require.NoError(t, Setup(config.LoggingConfig{Level: "DEBUG", Format: "json"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	_, isJSON := log.StandardLogger().Formatter.(*log.JSONFormatter)
	assert.True(t, isJSON)

	require.NoError(t, Setup(config.LoggingConfig{Level: "nonsense"}))
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestSetupWritesFile(t *testing.T) {
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	require.NoError(t, Setup(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}))

	Component("test").Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "component=test")
}
