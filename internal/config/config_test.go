package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("data-dir", "", "")
	cmd.Flags().String("listen", ":9000", "")
	cmd.Flags().String("region", "us-east-1", "")
	cmd.Flags().String("log-level", "info", "")
	cmd.Flags().String("access-key", "", "")
	cmd.Flags().String("secret-key", "", "")
	return cmd
}

func TestLoadFromFlags(t *testing.T) {
	cmd := newTestCmd()
	dir := t.TempDir()
	require.NoError(t, cmd.Flags().Set("data-dir", dir))
	require.NoError(t, cmd.Flags().Set("access-key", "AKID"))
	require.NoError(t, cmd.Flags().Set("secret-key", "secret"))
	require.NoError(t, cmd.Flags().Set("region", "eu-west-1"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "AKID", cfg.Auth.AccessKey)
	assert.Equal(t, "secret", cfg.Auth.SecretKey)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Metrics.Enable)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAXIO_DATA_DIR", dir)
	t.Setenv("MAXIO_AUTH_ACCESS_KEY", "ENVKEY")
	t.Setenv("MAXIO_AUTH_SECRET_KEY", "envsecret")
	t.Setenv("MAXIO_LISTEN", ":7000")

	cfg, err := Load(newTestCmd())
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "ENVKEY", cfg.Auth.AccessKey)
	assert.Equal(t, ":7000", cfg.Listen)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := "data_dir: " + dir + "\n" +
		"region: ap-south-1\n" +
		"auth:\n  access_key: FILEKEY\n  secret_key: filesecret\n" +
		"metrics:\n  enable: false\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("config", configPath))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", cfg.Region)
	assert.Equal(t, "FILEKEY", cfg.Auth.AccessKey)
	assert.False(t, cfg.Metrics.Enable)
}

func TestLoadValidation(t *testing.T) {
	t.Run("MissingDataDir", func(t *testing.T) {
		cmd := newTestCmd()
		require.NoError(t, cmd.Flags().Set("access-key", "AKID"))
		require.NoError(t, cmd.Flags().Set("secret-key", "secret"))

		_, err := Load(cmd)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data_dir is required")
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		cmd := newTestCmd()
		require.NoError(t, cmd.Flags().Set("data-dir", t.TempDir()))

		_, err := Load(cmd)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access_key")
	})

	t.Run("CreatesDataDir", func(t *testing.T) {
		cmd := newTestCmd()
		dir := filepath.Join(t.TempDir(), "nested", "data")
		require.NoError(t, cmd.Flags().Set("data-dir", dir))
		require.NoError(t, cmd.Flags().Set("access-key", "AKID"))
		require.NoError(t, cmd.Flags().Set("secret-key", "secret"))

		_, err := Load(cmd)
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}
