// ============================================================================
// Tango Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the YAML configuration file the tangod binary starts from,
//          with environment variables overriding its fields.
//
// Design:
//   One nested struct per subsystem (queue, preallocator, worker, vmms,
//   store, metrics, log, durability), each field tagged for gopkg.in/yaml.v3.
//   Every field outside the metrics section is overridable by an
//   environment variable (see applyEnvOverrides; most names are noted
//   beside their fields); the metrics fields have no override.
//   Values are read once at startup — no hot reload.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig bounds JobQueue behaviour.
type QueueConfig struct {
	Prefix   string `yaml:"prefix"`    // PREFIX
	MaxJobID int    `yaml:"max_jobid"` // MAX_JOBID
}

// PreallocatorConfig bounds pool sizing. Enabled gates the preallocator as
// a whole, across every backend (local Docker included). MaxEC2VMs is
// loaded but no component reads it: it caps neither EC2 pool sizes nor the
// number of EC2 instances, and it does not decide whether preallocation is
// wanted at all.
type PreallocatorConfig struct {
	Enabled   bool `yaml:"enabled"`     // PREALLOCATOR_ENABLED
	MaxEC2VMs int  `yaml:"max_ec2_vms"` // MAX_EC2_VMS
}

// WorkerConfig bounds per-job worker behaviour.
type WorkerConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"` // MAX_CONCURRENT_JOBS
	ReuseVMs          bool          `yaml:"reuse_vms"`           // REUSE_VMS
	DispatchPeriod    time.Duration `yaml:"dispatch_period"`     // DISPATCH_PERIOD
	WaitVMTimeout     time.Duration `yaml:"waitvm_timeout"`      // WAITVM_TIMEOUT
	InitializeVMTimeout time.Duration `yaml:"initializevm_timeout"` // INITIALIZEVM_TIMEOUT
	CopyInTimeout     time.Duration `yaml:"copyin_timeout"`      // COPYIN_TIMEOUT
	CopyOutTimeout    time.Duration `yaml:"copyout_timeout"`     // COPYOUT_TIMEOUT
	TimerPollInterval time.Duration `yaml:"timer_poll_interval"` // TIMER_POLL_INTERVAL
	MaxOutputFileSize int64         `yaml:"max_output_file_size"` // MAX_OUTPUT_FILE_SIZE
	KeepVMAfterFailure bool         `yaml:"keep_vm_after_failure"` // KEEP_VM_AFTER_FAILURE
}

// VMMSConfig bounds both the localdocker and ec2ssh backends.
type VMMSConfig struct {
	VMUlimitUserProc int    `yaml:"vm_ulimit_user_proc"` // VM_ULIMIT_USER_PROC
	VMUlimitFileSize int    `yaml:"vm_ulimit_file_size"` // VM_ULIMIT_FILE_SIZE
	DockerVolumePath string `yaml:"docker_volume_path"`  // DOCKER_VOLUME_PATH

	EC2Region             string `yaml:"ec2_region"`              // EC2_REGION
	SecurityKeyName       string `yaml:"security_key_name"`       // SECURITY_KEY_NAME
	SecurityKeyPath       string `yaml:"security_key_path"`       // SECURITY_KEY_PATH
	DefaultSecurityGroup  string `yaml:"default_security_group"`  // DEFAULT_SECURITY_GROUP
	DefaultInstanceType   string `yaml:"default_inst_type"`       // DEFAULT_INST_TYPE
	LogTiming             bool   `yaml:"log_timing"`              // LOG_TIMING
}

// StoreConfig selects and bounds the state store backend.
type StoreConfig struct {
	UseRedis      bool   `yaml:"use_redis"`      // USE_REDIS
	RedisHostname string `yaml:"redis_hostname"` // REDIS_HOSTNAME
	RedisPort     int    `yaml:"redis_port"`      // REDIS_PORT
}

// MetricsConfig bounds the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig bounds tangolog's output destination.
type LogConfig struct {
	LogFile string `yaml:"logfile"` // LOGFILE
}

// DurabilityConfig bounds the local-backend job journal and snapshot files.
// Only meaningful when StoreConfig.UseRedis is false — Redis is already
// externally durable, so these are left unused on that path.
type DurabilityConfig struct {
	Enabled          bool          `yaml:"enabled"`
	JournalPath      string        `yaml:"journal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// Config is the complete tangod configuration, loaded from YAML and
// overridable by environment variables sharing the field's env var name.
type Config struct {
	Queue        QueueConfig        `yaml:"queue"`
	Preallocator PreallocatorConfig `yaml:"preallocator"`
	Worker       WorkerConfig       `yaml:"worker"`
	VMMS         VMMSConfig         `yaml:"vmms"`
	Store        StoreConfig        `yaml:"store"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
	Durability   DurabilityConfig   `yaml:"durability"`
}

// Default returns the configuration's zero-risk defaults, applied before
// the YAML file and environment overrides are layered on top.
func Default() Config {
	return Config{
		Queue:        QueueConfig{Prefix: "tango", MaxJobID: 99999},
		Preallocator: PreallocatorConfig{Enabled: true, MaxEC2VMs: 8},
		Worker: WorkerConfig{
			MaxConcurrentJobs:   8,
			ReuseVMs:            true,
			DispatchPeriod:      500 * time.Millisecond,
			WaitVMTimeout:       60 * time.Second,
			InitializeVMTimeout: 120 * time.Second,
			CopyInTimeout:       30 * time.Second,
			CopyOutTimeout:      30 * time.Second,
			TimerPollInterval:   2 * time.Second,
			MaxOutputFileSize:   10 * 1024 * 1024,
		},
		VMMS: VMMSConfig{
			VMUlimitUserProc: 64,
			VMUlimitFileSize: 4096,
			DockerVolumePath: "/var/tango/volumes",
			DefaultInstanceType: "t3.micro",
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Durability: DurabilityConfig{
			JournalPath:      "/var/tango/durability/journal.log",
			SnapshotPath:     "/var/tango/durability/snapshot.json",
			SnapshotInterval: 30 * time.Second,
		},
	}
}

// Load reads path as YAML on top of Default(), then applies any matching
// environment variable overrides, and returns the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers environment variables over cfg, read once at
// startup, each overwriting its matching field only when set.
func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Queue.Prefix, "PREFIX")
	intVar(&cfg.Queue.MaxJobID, "MAX_JOBID")
	boolVar(&cfg.Preallocator.Enabled, "PREALLOCATOR_ENABLED")
	intVar(&cfg.Preallocator.MaxEC2VMs, "MAX_EC2_VMS")

	intVar(&cfg.Worker.MaxConcurrentJobs, "MAX_CONCURRENT_JOBS")
	boolVar(&cfg.Worker.ReuseVMs, "REUSE_VMS")
	durationVar(&cfg.Worker.DispatchPeriod, "DISPATCH_PERIOD")
	durationVar(&cfg.Worker.WaitVMTimeout, "WAITVM_TIMEOUT")
	durationVar(&cfg.Worker.InitializeVMTimeout, "INITIALIZEVM_TIMEOUT")
	durationVar(&cfg.Worker.CopyInTimeout, "COPYIN_TIMEOUT")
	durationVar(&cfg.Worker.CopyOutTimeout, "COPYOUT_TIMEOUT")
	durationVar(&cfg.Worker.TimerPollInterval, "TIMER_POLL_INTERVAL")
	int64Var(&cfg.Worker.MaxOutputFileSize, "MAX_OUTPUT_FILE_SIZE")
	boolVar(&cfg.Worker.KeepVMAfterFailure, "KEEP_VM_AFTER_FAILURE")

	intVar(&cfg.VMMS.VMUlimitUserProc, "VM_ULIMIT_USER_PROC")
	intVar(&cfg.VMMS.VMUlimitFileSize, "VM_ULIMIT_FILE_SIZE")
	strVar(&cfg.VMMS.DockerVolumePath, "DOCKER_VOLUME_PATH")
	strVar(&cfg.VMMS.EC2Region, "EC2_REGION")
	strVar(&cfg.VMMS.SecurityKeyName, "SECURITY_KEY_NAME")
	strVar(&cfg.VMMS.SecurityKeyPath, "SECURITY_KEY_PATH")
	strVar(&cfg.VMMS.DefaultSecurityGroup, "DEFAULT_SECURITY_GROUP")
	strVar(&cfg.VMMS.DefaultInstanceType, "DEFAULT_INST_TYPE")
	boolVar(&cfg.VMMS.LogTiming, "LOG_TIMING")

	boolVar(&cfg.Store.UseRedis, "USE_REDIS")
	strVar(&cfg.Store.RedisHostname, "REDIS_HOSTNAME")
	intVar(&cfg.Store.RedisPort, "REDIS_PORT")

	strVar(&cfg.Log.LogFile, "LOGFILE")

	boolVar(&cfg.Durability.Enabled, "DURABILITY_ENABLED")
	strVar(&cfg.Durability.JournalPath, "DURABILITY_JOURNAL_PATH")
	strVar(&cfg.Durability.SnapshotPath, "DURABILITY_SNAPSHOT_PATH")
	durationVar(&cfg.Durability.SnapshotInterval, "DURABILITY_SNAPSHOT_INTERVAL")
}

func strVar(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Var(dst *int64, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func durationVar(dst *time.Duration, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}
