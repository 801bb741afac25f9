package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/dws/internal/app/domain/worker"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 120*time.Second, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 600*time.Second, cfg.Registry.EvictionGrace)
	assert.Equal(t, "@every 30s", cfg.Registry.SweepSchedule)
	assert.Len(t, cfg.Workers.Catalogue(), 8)
}

func TestLoadLayersYAMLThenEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	path := writeFile(t, "dws.yaml", `
server:
  addr: ":9090"
registry:
  heartbeat_timeout: 45s
  eviction_grace: 5m
provisioner:
  zone: mesh.example
workers:
  rand:
    enabled: false
  relay:
    enabled: true
    port: 9100
    capability: compute
`)
	t.Setenv("DWS_ZONE", "env.example")
	t.Setenv("DWS_DNS_TTL", "15")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Registry.EvictionGrace)
	assert.Equal(t, "env.example", cfg.Provisioner.Zone, "environment wins over file")
	assert.Equal(t, 15, cfg.Discovery.TTL)
	assert.Equal(t, 30*time.Second, cfg.Provisioner.OperationTimeout, "untouched defaults survive")

	types := make(map[worker.Type]int)
	for _, s := range cfg.Workers.Catalogue() {
		types[s.Type] = s.Port
	}
	assert.NotContains(t, types, worker.Type("rand"))
	assert.Equal(t, 9100, types["relay"])
	assert.Equal(t, 8082, types["oracle"])
}

func TestLoadReadsDotEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("DWS_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("DWS_LOG_LEVEL"))

	envFile := writeFile(t, ".env", "DWS_LOG_LEVEL=debug\n")
	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("DWS_AUTH_ENABLED", "true")
	t.Setenv("DWS_JWT_SECRET", "short")

	_, err := Load("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestValidateEvictionGrace(t *testing.T) {
	cfg := Default()
	cfg.Registry.EvictionGrace = time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateRedisLockTTLCoversOperation(t *testing.T) {
	cfg := Default()
	cfg.Redis.Addr = "127.0.0.1:6379"
	require.NoError(t, cfg.Validate(), "default ttl outlives the default operation")

	cfg.Redis.LockTTL = 30 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.lock_ttl")

	cfg.Redis.LockTTL = 0
	cfg.Provisioner.OperationTimeout = 2 * time.Minute
	assert.Error(t, cfg.Validate(), "the default ttl is too short for a long operation")

	cfg.Redis.LockTTL = 3 * time.Minute
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Redis.LockTTL = time.Second
	assert.NoError(t, cfg.Validate(), "ttl is ignored without redis")
}

func TestWorkersConfigValidation(t *testing.T) {
	path := writeFile(t, "workers.yaml", `
workers:
  broken:
    enabled: true
    capability: compute
`)
	_, err := LoadWorkersConfigFromPath(path)
	assert.Error(t, err)
}

func TestWorkerTypeAliases(t *testing.T) {
	assert.Equal(t, "rand", GetWorkerType("VRF"))
	assert.Equal(t, "store", GetWorkerType("secrets"))
	assert.Equal(t, "oracle", GetWorkerType("oracle"))

	cfg := DefaultWorkersConfig()
	cfg.Merge(&WorkersConfig{Workers: map[string]*WorkerSettings{
		"neofeeds": {Enabled: true, Port: 7000, Capability: "compute"},
	}})
	assert.Equal(t, 7000, cfg.Workers["feeds"].Port)
}
