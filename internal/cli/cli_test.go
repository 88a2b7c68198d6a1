package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "tangod", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 3)

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"])
	assert.True(t, commandNames["enqueue"])
	assert.True(t, commandNames["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.NotNil(t, cmd)
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()
	assert.NotNil(t, cmd)
	assert.Equal(t, "enqueue", cmd.Use)

	fileFlag := cmd.Flags().Lookup("file")
	assert.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()
	assert.NotNil(t, cmd)
	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestEnqueueJobsInvalidFile(t *testing.T) {
	err := enqueueJobs("/nonexistent/jobs.json", "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read job file")
}

func TestEnqueueJobsInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	jobFile := filepath.Join(tmpDir, "invalid.json")
	require.NoError(t, os.WriteFile(jobFile, []byte(`{"invalid json structure`), 0644))

	err := enqueueJobs(jobFile, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse job file")
}

func TestEnqueueJobsSubmitsParsedJobs(t *testing.T) {
	tmpDir := t.TempDir()
	jobFile := filepath.Join(tmpDir, "jobs.json")
	volumeDir := filepath.Join(tmpDir, "volumes")
	require.NoError(t, os.MkdirAll(volumeDir, 0755))

	jobsJSON := `[
		{"name": "job-1", "machine": {"name": "img", "vmms": "localdocker"}, "timeout": 30},
		{"name": "job-2", "machine": {"name": "img", "vmms": "localdocker"}, "timeout": 30}
	]`
	require.NoError(t, os.WriteFile(jobFile, []byte(jobsJSON), 0644))

	cfgFile := filepath.Join(tmpDir, "tango.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("vmms:\n  docker_volume_path: "+volumeDir+"\n"), 0644))

	err := enqueueJobs(jobFile, cfgFile)
	assert.NoError(t, err)
}

func TestShowStatusWithMissingConfigUsesDefaults(t *testing.T) {
	err := showStatus("")
	assert.NoError(t, err)
}

func TestShowStatusReportsRedisBackend(t *testing.T) {
	tmpDir := t.TempDir()
	cfgFile := filepath.Join(tmpDir, "tango.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("store:\n  use_redis: true\n  redis_hostname: localhost\n  redis_port: 6379\n"), 0644))

	err := showStatus(cfgFile)
	assert.NoError(t, err)
}
