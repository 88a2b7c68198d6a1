// ============================================================================
// Tango CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra-based command line interface for the tangod binary.
//
// Command Structure:
//   tangod                        # Root command
//   ├── run                       # Start the dispatcher + metrics server
//   │   └── --config, -c          # Specify config file
//   ├── enqueue                   # Submit a job JSON file
//   │   └── --file, -f            # Specify job JSON file
//   ├── status                    # Print effective configuration
//   ├── --version                 # Display version information
//   └── --help                    # Display help information
//
// Design:
//   cobra.Command tree built once in BuildCLI, a package-level --config
//   flag, one buildXCommand per subcommand, and run/enqueue/status each
//   delegating to a plain function so cobra wiring stays separate from the
//   actual work. The REST front-end and image-build tooling are out of core
//   scope (external collaborators); enqueue is a thin wrapper over the
//   in-process JobQueue standing in for that front-end during local
//   testing.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/araiyan/tango/internal/config"
	"github.com/araiyan/tango/internal/dispatcher"
	"github.com/araiyan/tango/internal/durability"
	"github.com/araiyan/tango/internal/metrics"
	"github.com/araiyan/tango/internal/preallocator"
	"github.com/araiyan/tango/internal/queue"
	"github.com/araiyan/tango/internal/statestore"
	"github.com/araiyan/tango/internal/tangolog"
	"github.com/araiyan/tango/internal/vmms"
	"github.com/araiyan/tango/internal/vmms/ec2ssh"
	"github.com/araiyan/tango/internal/vmms/localdocker"
	"github.com/araiyan/tango/internal/worker"
	"github.com/araiyan/tango/pkg/tango"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tangod",
		Short: "Tango: an autograding job dispatch server",
		Long: `Tango dispatches submitted autograding job bundles to short-lived
sandboxes, enforces per-stage timeouts and retries, and reports results
back to the submitter.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}
	return cmd
}

// system bundles the wiring runServer and enqueueJobs both need: a shared
// store, the JobQueue built on top of it, and the VMMS registry.
type system struct {
	cfg       *config.Config
	queue     *queue.Queue
	registry  *vmms.Registry
	pool      *preallocator.Preallocator
	journal   *durability.Journal
	snapshots *durability.SnapshotManager
}

func buildSystem(cfg *config.Config) (*system, error) {
	registry := vmms.NewRegistry()

	docker, err := localdocker.New(localdocker.Config{
		VolumePath:     cfg.VMMS.DockerVolumePath,
		Prefix:         cfg.Queue.Prefix,
		UlimitUserProc: cfg.VMMS.VMUlimitUserProc,
		UlimitFileSize: cfg.VMMS.VMUlimitFileSize,
		DestroyTimeout: cfg.Worker.CopyOutTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build localdocker backend: %w", err)
	}
	registry.Register("localdocker", docker)

	if cfg.VMMS.SecurityKeyPath != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.VMMS.EC2Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		ec2Backend, err := ec2ssh.New(ec2ssh.Config{
			Region:                cfg.VMMS.EC2Region,
			Prefix:                cfg.Queue.Prefix,
			SecurityKeyName:       cfg.VMMS.SecurityKeyName,
			SecurityKeyPath:       cfg.VMMS.SecurityKeyPath,
			DefaultSecurityGroup:  cfg.VMMS.DefaultSecurityGroup,
			DefaultInstanceType:   cfg.VMMS.DefaultInstanceType,
			SSHUser:               "ec2-user",
			PollInterval:          cfg.Worker.TimerPollInterval,
			UlimitUserProc:        cfg.VMMS.VMUlimitUserProc,
			UlimitFileSize:        cfg.VMMS.VMUlimitFileSize,
		}, ec2.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("build ec2ssh backend: %w", err)
		}
		registry.Register("ec2ssh", ec2Backend)
	}

	var q *queue.Queue
	var pool *preallocator.Preallocator
	var journal *durability.Journal
	var snapshots *durability.SnapshotManager

	if cfg.Store.UseRedis {
		client := redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", cfg.Store.RedisHostname, cfg.Store.RedisPort),
		})
		live := statestore.NewRedisMap[int, *tango.Job](client, "jobs")
		dead := statestore.NewRedisMap[int, *tango.Job](client, "dead")
		unassigned := statestore.NewRedisQueue[int](client, "unassigned")
		nextID := statestore.NewRedisCounter(client, "next-job-id")
		locker := statestore.NewRedisLocker(client, 30*time.Second)
		pool = preallocator.New(registry)
		q = queue.New(live, dead, unassigned, nextID, locker, cfg.Queue.MaxJobID, pool)
	} else {
		live := statestore.NewLocalMap[int, *tango.Job]()
		dead := statestore.NewLocalMap[int, *tango.Job]()
		unassigned := statestore.NewLocalQueue[int](func(a, b int) bool { return a == b })
		nextID := statestore.NewLocalCounter(1)
		locker := statestore.NewLocalLocker()
		pool = preallocator.New(registry)
		q = queue.New(live, dead, unassigned, nextID, locker, cfg.Queue.MaxJobID, pool)

		if cfg.Durability.Enabled {
			snapshots = durability.NewSnapshotManager(cfg.Durability.SnapshotPath)
			snap, err := snapshots.Load()
			if err != nil {
				return nil, fmt.Errorf("load durability snapshot: %w", err)
			}
			if err := q.RestoreFromSnapshot(context.Background(), snap); err != nil {
				return nil, fmt.Errorf("restore from durability snapshot: %w", err)
			}

			j, err := durability.Open(cfg.Durability.JournalPath, 100, 10*time.Millisecond)
			if err != nil {
				return nil, fmt.Errorf("open durability journal: %w", err)
			}
			journal = j
			q.SetJournal(journal)
		}
	}

	if !cfg.Preallocator.Enabled {
		pool = nil
	}

	return &system{cfg: cfg, queue: q, registry: registry, pool: pool, journal: journal, snapshots: snapshots}, nil
}

func runServer(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Log.LogFile != "" {
		f, err := os.OpenFile(cfg.Log.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		tangolog.Default = tangolog.New(f)
	}

	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}
	if sys.journal != nil {
		defer sys.journal.Close()
	}

	workerCfg := worker.Config{
		WaitVMTimeout:  cfg.Worker.WaitVMTimeout,
		CopyInTimeout:  cfg.Worker.CopyInTimeout,
		CopyOutTimeout: cfg.Worker.CopyOutTimeout,
		NotifyTimeout:  worker.DefaultConfig().NotifyTimeout,
		CopyInRetries:  worker.DefaultConfig().CopyInRetries,
		MaxJobRetries:  worker.DefaultConfig().MaxJobRetries,
		ReuseVMs:       cfg.Worker.ReuseVMs,
	}
	dispatchCfg := dispatcher.Config{
		ReuseVMs:          cfg.Worker.ReuseVMs,
		DispatchPeriod:    cfg.Worker.DispatchPeriod,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
	}

	d := dispatcher.New(sys.queue, sys.pool, sys.registry, workerCfg, dispatchCfg)

	if sys.pool != nil {
		tangolog.Info("resetting preallocator pools: destroying leaked sandboxes from a prior run")
		if err := sys.pool.Reset(context.Background()); err != nil {
			tangolog.Error("preallocator reset: %v", err)
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			tangolog.Info("starting metrics server on :%d", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				tangolog.Error("metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sys.snapshots != nil {
		go runPeriodicSnapshots(ctx, sys)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		tangolog.Info("received shutdown signal, stopping dispatcher")
		d.Stop()
		cancel()
	case err := <-runErrCh:
		if err != nil {
			return fmt.Errorf("dispatcher stopped: %w", err)
		}
	}

	return nil
}

// runPeriodicSnapshots writes sys.queue's full job table to sys.snapshots
// on a fixed interval, stamped with the journal's current sequence number.
// A restart restores the job table from the latest of these snapshots;
// journal entries written after it are not replayed.
func runPeriodicSnapshots(ctx context.Context, sys *system) {
	interval := sys.cfg.Durability.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := sys.queue.Snapshot(ctx)
			if err != nil {
				tangolog.Error("durability snapshot: gather job table: %v", err)
				continue
			}
			snap.LastSeq = sys.journal.LastSeq()
			if err := sys.snapshots.Write(snap); err != nil {
				tangolog.Error("durability snapshot: write: %v", err)
			}
		}
	}
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and add them to the queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return enqueueJobs(jobFile, configFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueJobs(filePath, cfgPath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	var jobs []tango.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}
	if sys.journal != nil {
		defer sys.journal.Close()
	}

	ctx := context.Background()
	submitted := 0
	for i := range jobs {
		job := jobs[i]
		if _, err := sys.queue.Add(ctx, &job); err != nil {
			tangolog.Error("failed to enqueue job %q: %v", job.Name, err)
			continue
		}
		submitted++
	}

	tangolog.Info("enqueued %d/%d jobs from %s", submitted, len(jobs), filePath)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(configFile)
		},
	}
	return cmd
}

func showStatus(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("Tango status")
	fmt.Printf("  config file:          %s\n", path)
	fmt.Printf("  prefix:                %s\n", cfg.Queue.Prefix)
	fmt.Printf("  max job id:            %d\n", cfg.Queue.MaxJobID)
	fmt.Printf("  max concurrent jobs:   %d\n", cfg.Worker.MaxConcurrentJobs)
	fmt.Printf("  reuse vms:             %t\n", cfg.Worker.ReuseVMs)
	fmt.Printf("  docker volume path:    %s\n", cfg.VMMS.DockerVolumePath)
	fmt.Printf("  store backend:         %s\n", storeBackendName(cfg))
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:               enabled on :%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  metrics:               disabled")
	}

	return nil
}

func storeBackendName(cfg *config.Config) string {
	if cfg.Store.UseRedis {
		return fmt.Sprintf("redis (%s:%d)", cfg.Store.RedisHostname, cfg.Store.RedisPort)
	}
	return "local"
}
