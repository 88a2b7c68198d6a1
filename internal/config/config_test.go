package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "tango", cfg.Queue.Prefix)
	assert.Equal(t, 99999, cfg.Queue.MaxJobID)
	assert.True(t, cfg.Worker.ReuseVMs)
	assert.Equal(t, 8, cfg.Worker.MaxConcurrentJobs)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tango.yaml")
	yamlContent := `
queue:
  prefix: acme
  max_jobid: 50000
worker:
  max_concurrent_jobs: 16
  reuse_vms: false
vmms:
  docker_volume_path: /srv/tango
metrics:
  enabled: false
  port: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Queue.Prefix)
	assert.Equal(t, 50000, cfg.Queue.MaxJobID)
	assert.Equal(t, 16, cfg.Worker.MaxConcurrentJobs)
	assert.False(t, cfg.Worker.ReuseVMs)
	assert.Equal(t, "/srv/tango", cfg.VMMS.DockerVolumePath)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9999, cfg.Metrics.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, 8, cfg.Preallocator.MaxEC2VMs)
}

func TestEnvOverridesTakePrecedenceOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tango.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  prefix: fromyaml\n"), 0644))

	t.Setenv("PREFIX", "fromenv")
	t.Setenv("MAX_CONCURRENT_JOBS", "32")
	t.Setenv("REUSE_VMS", "false")
	t.Setenv("DISPATCH_PERIOD", "250ms")
	t.Setenv("MAX_OUTPUT_FILE_SIZE", "2048")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fromenv", cfg.Queue.Prefix)
	assert.Equal(t, 32, cfg.Worker.MaxConcurrentJobs)
	assert.False(t, cfg.Worker.ReuseVMs)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.DispatchPeriod)
	assert.Equal(t, int64(2048), cfg.Worker.MaxOutputFileSize)
}

func TestDurationEnvVarAcceptsBareSeconds(t *testing.T) {
	t.Setenv("WAITVM_TIMEOUT", "45")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Worker.WaitVMTimeout)
}

func TestDurabilityEnvOverrides(t *testing.T) {
	t.Setenv("DURABILITY_ENABLED", "true")
	t.Setenv("DURABILITY_JOURNAL_PATH", "/tmp/j.log")
	t.Setenv("DURABILITY_SNAPSHOT_INTERVAL", "15s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Durability.Enabled)
	assert.Equal(t, "/tmp/j.log", cfg.Durability.JournalPath)
	assert.Equal(t, 15*time.Second, cfg.Durability.SnapshotInterval)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [this is not a mapping"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
