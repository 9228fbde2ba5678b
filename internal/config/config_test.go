package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datameta/internal/config"
	"datameta/internal/metadata"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, metadata.DefaultSchemaDialect, cfg.Schema.Dialect)
	assert.Equal(t, metadata.DefaultSchemaID, cfg.Schema.ID)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("schema:\n  id: urn:orders\nlog:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "urn:orders", cfg.Schema.ID)
	assert.Equal(t, metadata.DefaultSchemaDialect, cfg.Schema.Dialect)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestFromYAMLValidation(t *testing.T) {
	_, err := config.FromYAML([]byte("log:\n  level: loud\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.log.level")

	_, err = config.FromYAML([]byte("server:\n  base_path: v0\n"))
	require.Error(t, err)

	_, err = config.FromYAML([]byte("schema: ["))
	require.Error(t, err)
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	cfg.Travelling.Source = "projects"
	require.NoError(t, config.Write(dir, cfg))

	_, err = os.Stat(config.Path(dir))
	require.NoError(t, err)
	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "projects", loaded.Travelling.Source)
}
