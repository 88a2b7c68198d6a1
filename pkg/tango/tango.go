// Package tango defines the core domain models shared across the job
// queue, preallocator, dispatcher, worker, and VMMS backends: the job and
// machine records that flow between them, and the small set of invariants
// attached to their lifecycle.
package tango

import (
	"fmt"
	"time"
)

// JobStatus represents a job's position in its lifecycle.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // created, sitting in the unassigned queue
	StatusAssigned  JobStatus = "assigned"  // paired with a sandbox, worker running
	StatusCompleted JobStatus = "completed" // copyOut succeeded, notified if requested
	StatusDead      JobStatus = "dead"      // moved to the dead map, trace holds the reason
)

// MinJobScopedID and MaxJobScopedID bound the 5-digit job-scoped VM ID space
// used for bring-your-own-credential dispatches.
const (
	MinJobScopedID = 10000
	MaxJobScopedID = 99999
)

// InputFile is a single (host, sandbox) file pairing copied in before a job
// runs.
type InputFile struct {
	LocalFile string `json:"localFile"`
	DestFile  string `json:"destFile"`
}

// Machine describes a sandbox, actual or desired. Created by the front-end
// from request parameters; mutated by a VMMS backend during initialise
// (InstanceID, DomainName); destroyed by the worker on job completion unless
// KeepForDebugging is set.
type Machine struct {
	Name             string `json:"name"`             // pool tag, typically the image name
	Image            string `json:"image"`            // concrete artifact identifier
	VMMS             string `json:"vmms"`              // backend tag, resolved via the registry
	Cores            int    `json:"cores,omitempty"`
	Memory           int    `json:"memory,omitempty"` // MB
	Disk             int    `json:"disk,omitempty"`   // GB
	Network          string `json:"network,omitempty"`
	InstanceType     string `json:"instanceType,omitempty"`
	InstanceID       string `json:"instanceId,omitempty"`   // backend-assigned
	DomainName       string `json:"domainName,omitempty"`   // reachable IP/host
	ID               int    `json:"id,omitempty"`            // 5-digit job-scoped id for BYO jobs
	KeepForDebugging bool   `json:"keepForDebugging,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// IsPlaceholder reports whether m is the preallocator's "no sandbox
// available" signal: a machine with no name was never backed by a real
// sandbox.
func (m Machine) IsPlaceholder() bool {
	return m.Name == ""
}

// Job is a submitted unit of work. Mutated only through queue.Queue methods;
// never constructed with a pre-assigned ID outside of queue.Add.
type Job struct {
	ID                int         `json:"id"`
	Name              string      `json:"name"`
	Machine           Machine     `json:"machine"`
	Input             []InputFile `json:"input"`
	OutputFile        string      `json:"outputFile"`
	Timeout           int         `json:"timeout"` // seconds, 0 = unlimited
	MaxOutputFileSize int64       `json:"maxOutputFileSize"`
	NotifyURL         string      `json:"notifyUrl,omitempty"`
	AccessKeyID       string      `json:"accessKeyId,omitempty"`
	AccessKey         string      `json:"accessKey,omitempty"`
	DisableNetwork    bool        `json:"disableNetwork,omitempty"`
	StopBefore        string      `json:"stopBefore,omitempty"`

	Status   JobStatus `json:"status"`
	Assigned bool      `json:"assigned"`
	Retries  int       `json:"retries"`
	Trace    []string  `json:"trace"`

	CreatedAt int64 `json:"createdAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"` // unix ms

	// remoteAddr caches the shared-store address ("{map}:{id}") this job was
	// last read from. Not serialised: Queue.GetNextPendingJob stamps it on
	// the job it returns; no Map implementation sets or reads it.
	remoteAddr string `json:"-"`
}

// RemoteAddr returns the job's cached shared-store address.
func (j *Job) RemoteAddr() string { return j.remoteAddr }

// SetRemoteAddr stamps the address a Map read this job from.
func (j *Job) SetRemoteAddr(mapName string) {
	j.remoteAddr = fmt.Sprintf("%s:%d", mapName, j.ID)
}

// HasBYOCredentials reports whether the job ships its own cloud credentials,
// bypassing the preallocator pool entirely ("bring-your-own").
func (j *Job) HasBYOCredentials() bool {
	return j.AccessKeyID != "" && j.AccessKey != ""
}

// AppendTrace appends a timestamped trace line in "<utc>|<message>" format,
// the format every worker transition uses.
func (j *Job) AppendTrace(message string) {
	j.Trace = append(j.Trace, fmt.Sprintf("%s|%s", time.Now().UTC().Format(time.RFC3339Nano), message))
	j.UpdatedAt = time.Now().UnixMilli()
}

// DuplicateKey returns the identity Queue.Add's de-duplication scan
// compares on: (name, input set, output file, machine spec).
func (j *Job) DuplicateKey() string {
	key := fmt.Sprintf("%s|%s|%s|%s|%s", j.Name, j.OutputFile, j.Machine.Name, j.Machine.Image, j.Machine.VMMS)
	for _, f := range j.Input {
		key += fmt.Sprintf("|%s>%s", f.LocalFile, f.DestFile)
	}
	return key
}

// Pool is the per-image preallocator state: total is every provisioned
// sandbox for the image, free is the idle subset.
type Pool struct {
	Name  string    `json:"name"`
	Total []Machine `json:"total"`
	Free  int       `json:"free"` // size only; the live queue lives in statestore
}
