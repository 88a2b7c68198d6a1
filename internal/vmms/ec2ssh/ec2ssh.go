// ============================================================================
// EC2-over-SSH VMMS Backend
// ============================================================================
//
// Package: internal/vmms/ec2ssh
// File: ec2ssh.go
// Purpose: Implement the vmms.Interface against real EC2 instances, reached
//          over SSH/SFTP for file transfer and job execution.
//
// Design:
//   Grounded on original_source/vmms/ec2SSH.py: initializeVM launches one
//   instance from an image-name-tagged AMI and tags it with the sandbox's
//   instance name; waitVM polls SSH reachability instead of ping+ssh (no
//   raw ICMP without elevated privileges, and an SSH dial failure is a
//   strictly more useful readiness signal in Go); copyIn/copyOut move
//   files over SFTP instead of shelling out to scp; runJob executes the
//   autodriver command over a single SSH session. Uses
//   github.com/aws/aws-sdk-go-v2/service/ec2 for instance lifecycle,
//   golang.org/x/crypto/ssh for the session, and github.com/pkg/sftp for
//   file transfer — the img2ami name-tag lookup the Python backend builds
//   at startup is reproduced as a cached map refreshed by GetImages.
//
// ============================================================================

package ec2ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/araiyan/tango/internal/tangoerr"
	"github.com/araiyan/tango/internal/tangolog"
	"github.com/araiyan/tango/pkg/tango"
)

// Config bounds EC2 instance creation and SSH/SFTP access.
type Config struct {
	Region               string // EC2_REGION
	Prefix               string // PREFIX
	SecurityKeyName      string // SECURITY_KEY_NAME
	SecurityKeyPath      string // SECURITY_KEY_PATH, PEM file for SSH auth
	DefaultSecurityGroup string // DEFAULT_SECURITY_GROUP
	DefaultInstanceType   string // DEFAULT_INST_TYPE
	SSHUser              string
	PollInterval         time.Duration // TIMER_POLL_INTERVAL
	UlimitUserProc       int           // VM_ULIMIT_USER_PROC
	UlimitFileSize       int           // VM_ULIMIT_FILE_SIZE
}

// Backend implements vmms.Interface against Amazon EC2.
type Backend struct {
	cfg       Config
	client    *ec2.Client
	signer    ssh.Signer
	log       *tangolog.Logger

	mu      sync.Mutex
	img2ami map[string]string // image name tag -> AMI id, refreshed by GetImages
}

func New(cfg Config, client *ec2.Client) (*Backend, error) {
	keyBytes, err := os.ReadFile(cfg.SecurityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read ssh key: %v", tangoerr.ErrConfigError, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ssh key: %v", tangoerr.ErrConfigError, err)
	}
	return &Backend{cfg: cfg, client: client, signer: signer, log: tangolog.Default, img2ami: make(map[string]string)}, nil
}

func (b *Backend) instanceName(vm tango.Machine) string {
	return fmt.Sprintf("%s-%d-%s", b.cfg.Prefix, vm.ID, vm.Name)
}

// InitializeVM launches one EC2 instance from the AMI tagged with vm.Image,
// waits for it to reach "running", and tags it with the sandbox's instance
// name. On any failure it terminates whatever instance it managed to
// launch before returning.
func (b *Backend) InitializeVM(ctx context.Context, vm *tango.Machine) error {
	ami, err := b.resolveAMI(ctx, vm.Image)
	if err != nil {
		return fmt.Errorf("%w: %v", tangoerr.ErrFatalSandbox, err)
	}

	instanceType := vm.InstanceType
	if instanceType == "" {
		instanceType = b.cfg.DefaultInstanceType
	}

	out, err := b.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:        aws.String(ami),
		InstanceType:   types.InstanceType(instanceType),
		KeyName:        aws.String(b.cfg.SecurityKeyName),
		SecurityGroups: []string{b.cfg.DefaultSecurityGroup},
		MinCount:       aws.Int32(1),
		MaxCount:       aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("%w: run instances: %v", tangoerr.ErrFatalSandbox, err)
	}
	if len(out.Instances) == 0 {
		return fmt.Errorf("%w: no instance returned from RunInstances", tangoerr.ErrFatalSandbox)
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	if err := b.waitRunning(ctx, instanceID); err != nil {
		b.terminateBestEffort(instanceID)
		return fmt.Errorf("%w: %v", tangoerr.ErrFatalSandbox, err)
	}

	if _, err := b.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      []types.Tag{{Key: aws.String("Name"), Value: aws.String(b.instanceName(*vm))}},
	}); err != nil {
		b.log.Warn("ec2ssh: failed to tag instance %s: %v", instanceID, err)
	}

	desc, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil || len(desc.Reservations) == 0 || len(desc.Reservations[0].Instances) == 0 {
		b.terminateBestEffort(instanceID)
		return fmt.Errorf("%w: describe instance after launch: %v", tangoerr.ErrFatalSandbox, err)
	}

	vm.InstanceID = instanceID
	vm.DomainName = aws.ToString(desc.Reservations[0].Instances[0].PublicIpAddress)
	return nil
}

func (b *Backend) waitRunning(ctx context.Context, instanceID string) error {
	waiter := ec2.NewInstanceRunningWaiter(b.client)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, 5*time.Minute)
}

func (b *Backend) terminateBestEffort(instanceID string) {
	_, _ = b.client.TerminateInstances(context.Background(), &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
}

// WaitVM polls SSH reachability (a strictly more useful readiness signal
// than the Python backend's ping, which needs raw-socket privileges).
func (b *Backend) WaitVM(ctx context.Context, vm tango.Machine, maxSecs int) error {
	deadline := time.Now().Add(time.Duration(maxSecs) * time.Second)
	for {
		client, err := b.dial(vm)
		if err == nil {
			client.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: ssh not reachable after %ds", tangoerr.ErrTransientSandbox, maxSecs)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *Backend) dial(vm tango.Machine) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            b.cfg.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	return ssh.Dial("tcp", vm.DomainName+":22", config)
}

// CopyIn opens an SFTP session and writes every input file under
// ~/autolab on the instance.
func (b *Backend) CopyIn(_ context.Context, vm tango.Machine, files []tango.InputFile, _ int) error {
	client, err := b.dial(vm)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("%w: sftp: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer sc.Close()

	_ = sc.MkdirAll("autolab")
	for _, f := range files {
		if err := b.sftpUpload(sc, f.LocalFile, "autolab/"+f.DestFile); err != nil {
			return fmt.Errorf("%w: upload %s: %v", tangoerr.ErrTransientSandbox, f.LocalFile, err)
		}
	}
	return nil
}

func (b *Backend) sftpUpload(sc *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// RunJob runs autodriver over a single SSH session, matching the ulimited
// invocation the Python backend shells out with.
func (b *Backend) RunJob(ctx context.Context, vm tango.Machine, runTimeout int, maxOutputBytes int64, _ bool) (int, error) {
	client, err := b.dial(vm)
	if err != nil {
		return -1, fmt.Errorf("%w: dial: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("%w: session: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer session.Close()

	cmd := fmt.Sprintf(
		"/usr/bin/time --output=time.out autodriver -u %d -f %d -t %d -o %d autolab > output 2>&1",
		b.cfg.UlimitUserProc, b.cfg.UlimitFileSize, runTimeout, maxOutputBytes,
	)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var timeoutCh <-chan time.Time // nil (never fires) when runTimeout is 0
	if runTimeout > 0 {
		timeoutCh = time.After(time.Duration(runTimeout) * 2 * time.Second)
	}

	select {
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("%w: %v", tangoerr.ErrTransientSandbox, err)
	case <-timeoutCh:
		_ = session.Signal(ssh.SIGKILL)
		return -1, tangoerr.ErrWorkloadTimeout
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return -1, ctx.Err()
	}
}

// CopyOut fetches the "output" file over SFTP to destFile on the host,
// writing a temporary file and renaming it into place.
func (b *Backend) CopyOut(_ context.Context, vm tango.Machine, destFile string) error {
	client, err := b.dial(vm)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("%w: sftp: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer sc.Close()

	src, err := sc.Open("output")
	if err != nil {
		return fmt.Errorf("%w: open remote output: %v", tangoerr.ErrTransientSandbox, err)
	}
	defer src.Close()

	tmp := destFile + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, destFile)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

// DestroyVM terminates the instance.
func (b *Backend) DestroyVM(ctx context.Context, vm tango.Machine) error {
	_, err := b.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{vm.InstanceID}})
	return err
}

// SafeDestroyVM terminates and is equivalent to DestroyVM here: EC2
// termination is itself idempotent and does not need a destroy-then-poll
// loop the way container teardown does.
func (b *Backend) SafeDestroyVM(ctx context.Context, vm tango.Machine) error {
	return b.DestroyVM(ctx, vm)
}

// GetVMs lists running/pending instances whose Name tag matches our
// prefix convention.
func (b *Backend) GetVMs(ctx context.Context) ([]tango.Machine, error) {
	out, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: aws.String("instance-state-name"), Values: []string{"running", "pending"}}},
	})
	if err != nil {
		return nil, err
	}

	var machines []tango.Machine
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			name := tagValue(inst.Tags, "Name")
			if !strings.HasPrefix(name, b.cfg.Prefix+"-") {
				continue
			}
			parts := strings.SplitN(name, "-", 3)
			if len(parts) != 3 {
				continue
			}
			id, _ := strconv.Atoi(parts[1])
			machines = append(machines, tango.Machine{
				VMMS:       "ec2ssh",
				Name:       name,
				ID:         id,
				InstanceID: aws.ToString(inst.InstanceId),
				DomainName: aws.ToString(inst.PublicIpAddress),
			})
		}
	}
	return machines, nil
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// ExistsVM reports whether vm.InstanceID is still running.
func (b *Backend) ExistsVM(ctx context.Context, vm tango.Machine) (bool, error) {
	out, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{vm.InstanceID},
		Filters:     []types.Filter{{Name: aws.String("instance-state-name"), Values: []string{"running"}}},
	})
	if err != nil {
		return false, nil
	}
	for _, res := range out.Reservations {
		if len(res.Instances) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetImages refreshes and returns the image-name-tag -> AMI cache, keyed
// by the tag image names Tango job requests reference (mirrors the
// Python backend's img2ami built at startup).
func (b *Backend) GetImages(ctx context.Context) ([]string, error) {
	out, err := b.client.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.img2ami = make(map[string]string)
	for _, img := range out.Images {
		name := tagValue(img.Tags, "Name")
		if name == "" {
			continue
		}
		if _, dup := b.img2ami[name]; dup {
			b.log.Warn("ec2ssh: ignoring duplicate image name tag %s", name)
			continue
		}
		b.img2ami[name] = aws.ToString(img.ImageId)
	}

	names := make([]string, 0, len(b.img2ami))
	for name := range b.img2ami {
		names = append(names, name)
	}
	return names, nil
}

func (b *Backend) resolveAMI(ctx context.Context, imageName string) (string, error) {
	b.mu.Lock()
	ami, ok := b.img2ami[imageName]
	b.mu.Unlock()
	if ok {
		return ami, nil
	}
	if _, err := b.GetImages(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ami, ok = b.img2ami[imageName]
	if !ok {
		return "", fmt.Errorf("no AMI tagged with image name %q", imageName)
	}
	return ami, nil
}

// GetPartialOutput reads whatever the output file holds so far over SFTP,
// for a live-tail endpoint (out of core scope, but the interface contract
// is implemented regardless).
func (b *Backend) GetPartialOutput(_ context.Context, vm tango.Machine) (string, error) {
	client, err := b.dial(vm)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", err
	}
	defer sc.Close()

	f, err := sc.Open("output")
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, f, 65536); err != nil && err != io.EOF {
		return "", err
	}
	return buf.String(), nil
}
