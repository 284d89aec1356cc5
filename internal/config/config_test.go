package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, 512, cfg.Chunking.MaxTokens)
	assert.Equal(t, 50, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 3, cfg.Ingestion.MaxConcurrent)
	assert.Equal(t, 0.3, cfg.Query.MinSimilarity)
	assert.Equal(t, 10, cfg.Query.MaxSources)
	assert.Equal(t, 24*time.Hour, cfg.Embedding.Cache.TTL)
	assert.Equal(t, "elasticsearch", cfg.VectorStore.Backend)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
embedding:
  provider: "ollama"
  timeout: 5s
vector_store:
  backend: "local"
  data_dir: "/tmp/vectors"
`), 0o644))
	t.Setenv("ASKDOCS_QUERY_MAX_SOURCES", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, "local", cfg.VectorStore.Backend)
	assert.Equal(t, 4, cfg.Query.MaxSources)
	// 未出现在文件中的键保留默认值
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
