// ============================================================================
// Local Docker VMMS Backend
// ============================================================================
//
// Package: internal/vmms/localdocker
// File: localdocker.go
// Purpose: Implement the vmms.Interface using Docker containers as
//          sandboxes, one container per job, never reused across jobs.
//
// Design:
//   Grounded on original_source/vmms/localDocker.py: a per-job volume
//   directory holds copied-in input files, mounted at /home/mount inside
//   a container started from the job's image; the container runs
//   autodriver under ulimits and a timeout, writing feedback back into
//   the mounted volume for copyOut to retrieve. Uses
//   github.com/docker/docker/client for the daemon API, following the
//   ecosystem's usual shape for official SDKs (client constructed from
//   environment, typed request structs, context-scoped calls), and
//   github.com/docker/go-units to parse memory limits.
//
// ============================================================================

package localdocker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/araiyan/tango/internal/tangoerr"
	"github.com/araiyan/tango/internal/tangolog"
	"github.com/araiyan/tango/pkg/tango"
)

// Config bounds container creation, volume layout, and resource limits.
type Config struct {
	VolumePath      string // DOCKER_VOLUME_PATH
	Prefix          string // PREFIX, used to namespace container/volume names
	UlimitUserProc  int    // VM_ULIMIT_USER_PROC
	UlimitFileSize  int    // VM_ULIMIT_FILE_SIZE
	DestroyTimeout  time.Duration
}

// Backend implements vmms.Interface against a local Docker daemon.
type Backend struct {
	cfg    Config
	client *dockerclient.Client
	log    *tangolog.Logger
}

func New(cfg Config) (*Backend, error) {
	if cfg.VolumePath == "" {
		return nil, fmt.Errorf("%w: DOCKER_VOLUME_PATH not configured", tangoerr.ErrConfigError)
	}
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Backend{cfg: cfg, client: cli, log: tangolog.Default}, nil
}

func (b *Backend) instanceName(vm tango.Machine) string {
	return fmt.Sprintf("%s-%d-%s", b.cfg.Prefix, vm.ID, vm.Image)
}

func (b *Backend) volumePath(instanceName string) string {
	return filepath.Join(b.cfg.VolumePath, instanceName) + string(os.PathSeparator)
}

// InitializeVM makes no Docker call: containers are created fresh per job
// in runJob, mirroring the Python backend's empty initializeVM. It only
// records the container name as vm.InstanceID.
func (b *Backend) InitializeVM(_ context.Context, vm *tango.Machine) error {
	vm.InstanceID = b.instanceName(*vm)
	return nil
}

// WaitVM is a no-op: there is no boot delay for a container image already
// pulled locally.
func (b *Backend) WaitVM(context.Context, tango.Machine, int) error { return nil }

// CopyIn creates the per-job volume directory and copies every input file
// into it.
func (b *Backend) CopyIn(_ context.Context, vm tango.Machine, files []tango.InputFile, _ int) error {
	volumePath := b.volumePath(b.instanceName(vm))
	if err := os.MkdirAll(volumePath, 0755); err != nil {
		return fmt.Errorf("%w: create volume dir: %v", tangoerr.ErrTransientSandbox, err)
	}
	for _, f := range files {
		if err := copyFile(f.LocalFile, filepath.Join(volumePath, f.DestFile)); err != nil {
			return fmt.Errorf("%w: copy %s: %v", tangoerr.ErrTransientSandbox, f.LocalFile, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// RunJob starts a container mounting the per-job volume, runs autodriver
// under ulimits inside it, and blocks until it exits or runTimeout*2
// elapses (no bound when runTimeout is 0).
func (b *Backend) RunJob(ctx context.Context, vm tango.Machine, runTimeout int, maxOutputBytes int64, disableNetwork bool) (int, error) {
	instanceName := b.instanceName(vm)
	volumePath := b.volumePath(instanceName)

	autodriverCmd := fmt.Sprintf(
		"autodriver -u %d -f %d -t %d -o %d autolab > output/feedback 2>&1",
		b.cfg.UlimitUserProc, b.cfg.UlimitFileSize, runTimeout, maxOutputBytes,
	)
	shellCmd := fmt.Sprintf(
		`cp -r mount/* autolab/; su autolab -c "%s"; cp output/feedback mount/feedback`,
		autodriverCmd,
	)

	hostCfg := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/home/mount", volumePath)},
	}
	if vm.Cores > 0 {
		hostCfg.Resources.NanoCPUs = int64(vm.Cores) * 1e9
	}
	if vm.Memory > 0 {
		hostCfg.Resources.Memory = units.MiB * int64(vm.Memory)
	}
	netCfg := &network.NetworkingConfig{}
	if disableNetwork {
		hostCfg.NetworkMode = "none"
	}

	containerCfg := &container.Config{
		Image: vm.Image,
		Cmd:   []string{"sh", "-c", shellCmd},
	}

	created, err := b.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, instanceName)
	if err != nil {
		return -1, fmt.Errorf("%w: create container: %v", tangoerr.ErrFatalSandbox, err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(runTimeout)*2*time.Second)
	}
	defer cancel()

	if err := b.client.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("%w: start container: %v", tangoerr.ErrFatalSandbox, err)
	}

	statusCh, errCh := b.client.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, tangoerr.ErrWorkloadTimeout
		}
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-runCtx.Done():
		return -1, tangoerr.ErrWorkloadTimeout
	}
	return 0, nil
}

// CopyOut moves the feedback file out of the volume to destFile (written
// to a temporary file and renamed into place), then destroys the
// container.
func (b *Backend) CopyOut(ctx context.Context, vm tango.Machine, destFile string) error {
	instanceName := b.instanceName(vm)
	volumePath := b.volumePath(instanceName)
	feedback := filepath.Join(volumePath, "feedback")

	data, err := os.ReadFile(feedback)
	if err != nil {
		return fmt.Errorf("%w: read feedback: %v", tangoerr.ErrTransientSandbox, err)
	}
	if destFile != "" {
		tmp := destFile + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return fmt.Errorf("%w: write output: %v", tangoerr.ErrTransientSandbox, err)
		}
		if err := os.Rename(tmp, destFile); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("%w: write output: %v", tangoerr.ErrTransientSandbox, err)
		}
	}

	_ = b.DestroyVM(ctx, vm)
	return nil
}

// DestroyVM force-removes the container and its volume directory.
func (b *Backend) DestroyVM(ctx context.Context, vm tango.Machine) error {
	instanceName := b.instanceName(vm)
	_ = b.client.ContainerRemove(ctx, instanceName, container.RemoveOptions{Force: true})
	volumePath := b.volumePath(instanceName)
	_ = os.RemoveAll(volumePath)
	return nil
}

// SafeDestroyVM destroys vm and polls ExistsVM until it disappears or
// DestroyTimeout elapses.
func (b *Backend) SafeDestroyVM(ctx context.Context, vm tango.Machine) error {
	deadline := time.Now().Add(b.cfg.DestroyTimeout)
	for {
		exists, _ := b.ExistsVM(ctx, vm)
		if !exists {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("failed to safely destroy container %s", vm.Name)
		}
		if err := b.DestroyVM(ctx, vm); err != nil {
			return err
		}
	}
}

// GetVMs lists every volume directory matching our naming convention.
func (b *Backend) GetVMs(_ context.Context) ([]tango.Machine, error) {
	entries, err := os.ReadDir(b.cfg.VolumePath)
	if err != nil {
		return nil, err
	}
	var out []tango.Machine
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), b.cfg.Prefix+"-") {
			continue
		}
		parts := strings.SplitN(e.Name(), "-", 3)
		if len(parts) != 3 {
			continue
		}
		id, _ := strconv.Atoi(parts[1])
		out = append(out, tango.Machine{VMMS: "localdocker", Name: e.Name(), ID: id, Image: parts[2]})
	}
	return out, nil
}

// ExistsVM inspects the container; Docker returns a not-found error when
// it's gone.
func (b *Backend) ExistsVM(ctx context.Context, vm tango.Machine) (bool, error) {
	_, err := b.client.ContainerInspect(ctx, b.instanceName(vm))
	if err != nil {
		return false, nil
	}
	return true, nil
}

// GetImages lists locally pulled images.
func (b *Backend) GetImages(ctx context.Context) ([]string, error) {
	images, err := b.client.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, img := range images {
		for _, tag := range img.RepoTags {
			name := tag
			if idx := strings.LastIndex(tag, "/"); idx >= 0 {
				name = tag[idx+1:]
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}

// GetPartialOutput execs `head` on the running container's output/feedback
// file (where RunJob redirects autodriver's output), for a live-tail
// endpoint (out of core scope, but the interface contract is implemented
// regardless).
func (b *Backend) GetPartialOutput(ctx context.Context, vm tango.Machine) (string, error) {
	instanceName := b.instanceName(vm)
	execResp, err := b.client.ContainerExecCreate(ctx, instanceName, types.ExecConfig{
		Cmd:          []string{"head", "-c", "65536", "output/feedback"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", err
	}
	attach, err := b.client.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return "", err
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attach.Reader); err != nil {
		return "", err
	}
	return buf.String(), nil
}
