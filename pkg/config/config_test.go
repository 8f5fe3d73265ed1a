package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, "meca_executor_1", cfg.Sandbox.Name)
	assert.Equal(t, RuntimeDocker, cfg.Sandbox.Runtime)
	assert.True(t, cfg.Sharing.EnabledOnStart)
	assert.False(t, cfg.Sharing.PrewarmOnRegister)
	assert.Equal(t, 10*time.Second, cfg.RegistrationTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
port: "4000"
registrationTimeout: 3s
sandbox:
  name: sbx
  runtime: fake
  gpuImage: custom/gpu:1
  readyTimeout: 1m
sharing:
  enabledOnStart: false
  prewarmOnRegister: true
corsOrigins:
  - http://localhost:5173
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.RegistrationTimeout)
	assert.Equal(t, "sbx", cfg.Sandbox.Name)
	assert.Equal(t, RuntimeFake, cfg.Sandbox.Runtime)
	assert.Equal(t, "custom/gpu:1", cfg.Sandbox.GPUImage)
	assert.Equal(t, "mecanywhere/meca-executor:latest", cfg.Sandbox.StandardImage, "unset keys keep defaults")
	assert.Equal(t, time.Minute, cfg.Sandbox.ReadyTimeout)
	assert.False(t, cfg.Sharing.EnabledOnStart)
	assert.True(t, cfg.Sharing.PrewarmOnRegister)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "port: \"4000\"\n")
	t.Setenv("OFFLOADD_PORT", "5000")
	t.Setenv("OFFLOADD_SANDBOX_RUNTIME", "fake")
	t.Setenv("OFFLOADD_PREWARM", "true")
	t.Setenv("OFFLOADD_WORKER_TOKEN", "tok")
	t.Setenv("OFFLOADD_REGISTRATION_TIMEOUT", "250ms")
	t.Setenv("OFFLOADD_HOST", "0.0.0.0")
	t.Setenv("OFFLOADD_ADMIN_TOKEN", "admin")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "admin", cfg.Auth.AdminToken)
	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, RuntimeFake, cfg.Sandbox.Runtime)
	assert.True(t, cfg.Sharing.PrewarmOnRegister)
	assert.Equal(t, "tok", cfg.Auth.WorkerToken)
	assert.Equal(t, 250*time.Millisecond, cfg.RegistrationTimeout)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "port: [\n"))
		assert.Error(t, err)
	})

	t.Run("bad bool env", func(t *testing.T) {
		t.Setenv("OFFLOADD_DEBUG", "maybe")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("unknown runtime", func(t *testing.T) {
		_, err := Load(writeConfig(t, "sandbox:\n  runtime: podman\n"))
		assert.ErrorContains(t, err, "unsupported sandbox runtime")
	})

	t.Run("tls without cert", func(t *testing.T) {
		_, err := Load(writeConfig(t, "enableTLS: true\n"))
		assert.Error(t, err)
	})

	t.Run("public host without admin token", func(t *testing.T) {
		_, err := Load(writeConfig(t, "host: 0.0.0.0\n"))
		assert.ErrorContains(t, err, "adminToken")
	})

	t.Run("non numeric port", func(t *testing.T) {
		t.Setenv("OFFLOADD_PORT", "http")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestPublicHostWithAdminToken(t *testing.T) {
	t.Setenv("OFFLOADD_HOST", "")
	t.Setenv("OFFLOADD_ADMIN_TOKEN", "secret")
	cfg, err := Load(writeConfig(t, "host: \"\"\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Host)
	assert.Equal(t, "secret", cfg.Auth.AdminToken)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("::1"))
	assert.True(t, IsLoopback("localhost"))
	assert.False(t, IsLoopback(""))
	assert.False(t, IsLoopback("0.0.0.0"))
	assert.False(t, IsLoopback("192.168.1.10"))
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("OFFLOADD_CONFIG", "/etc/offloadd.yaml")
	assert.Equal(t, "/etc/offloadd.yaml", DefaultConfigPath())
}
