// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"time"
)

// A RateLimitError should be returned by a JobService or InstanceSet
// when the cloud service indicates it is rejecting all API calls for
// some time interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a JobService or InstanceSet when
// the cloud service indicates the account has no capacity left for the
// requested hardware in the requested region. The caller should move
// on to a different execution context instead of retrying.
type QuotaError interface {
	// If true, the request was rejected for lack of quota. If
	// false, don't handle the error as a quota error.
	IsQuotaError() bool
	error
}

// An InvalidSpecError should be returned when the remote service
// rejects a job or instance specification as malformed. It indicates a
// programming or configuration defect and must never be retried.
type InvalidSpecError interface {
	IsInvalidSpec() bool
	error
}

// A TransientError should be returned for failures that are expected
// to clear on their own (connection resets, 5xx responses, ...). The
// caller may retry the same request after a short delay.
type TransientError interface {
	IsTransient() bool
	error
}

// IsQuotaError returns true if err indicates the request was rejected
// for lack of quota.
func IsQuotaError(err error) bool {
	var qe QuotaError
	return errors.As(err, &qe) && qe.IsQuotaError()
}

// IsInvalidSpecError returns true if err indicates a malformed job or
// instance specification.
func IsInvalidSpecError(err error) bool {
	var ise InvalidSpecError
	return errors.As(err, &ise) && ise.IsInvalidSpec()
}

// IsTransientError returns true if err is worth retrying in place.
func IsTransientError(err error) bool {
	var te TransientError
	return errors.As(err, &te) && te.IsTransient()
}

var ErrNotImplemented = errors.New("not implemented")

type InstanceSetID string
type InstanceTags map[string]string
type InstanceID string
type JobID string

// HardwareClass identifies a class of execution hardware offered by
// the accelerator execution service.
type HardwareClass string

const (
	HardwareGPUL4 HardwareClass = "gpu_l4"
	HardwareGPUT4 HardwareClass = "gpu_t4"
	HardwareCPU   HardwareClass = "cpu"
)

// GPU returns true for accelerator-backed hardware classes.
func (hc HardwareClass) GPU() bool {
	return hc != HardwareCPU && hc != ""
}

// AcceleratorType returns the provider's accelerator identifier for
// the hardware class, or "" for CPU-only hardware.
func (hc HardwareClass) AcceleratorType() string {
	switch hc {
	case HardwareGPUL4:
		return "NVIDIA_L4"
	case HardwareGPUT4:
		return "NVIDIA_TESLA_T4"
	default:
		return ""
	}
}

// AcceleratorCount returns the number of accelerators to attach to a
// job on this hardware class: zero for CPU tiers.
func (hc HardwareClass) AcceleratorCount() int {
	if hc.GPU() {
		return 1
	}
	return 0
}

// JobSpec describes one remote render attempt on the accelerator
// execution service.
type JobSpec struct {
	Region           string        `json:"region"`
	MachineProfile   string        `json:"machine_profile"`
	AcceleratorType  string        `json:"accelerator_type,omitempty"`
	AcceleratorCount int           `json:"accelerator_count"`
	Preemptible      bool          `json:"preemptible"`
	ContainerRef     string        `json:"container_ref"`
	Args             []string      `json:"args"`
	Timeout          time.Duration `json:"timeout"`
}

// JobState is the lifecycle state reported by the accelerator
// execution service. The service does not report preemption as a
// distinct state; it surfaces FAILED plus a termination reason.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal returns true if no further state transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobStatus is a point-in-time snapshot of a remote job. Timestamps
// are zero until the corresponding transition has happened.
type JobStatus struct {
	State             JobState  `json:"state"`
	SubmittedAt       time.Time `json:"submitted_at"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	TerminationReason string    `json:"termination_reason"`
}

// A JobService accepts render job specifications and runs them on
// remote accelerator hardware.
//
// All methods are goroutine safe.
type JobService interface {
	// Submit creates a remote job and returns without waiting for
	// it to start. The returned error should implement QuotaError,
	// InvalidSpecError or TransientError where applicable.
	Submit(ctx context.Context, spec JobSpec) (JobID, error)

	// Status returns the current snapshot of the given job. It
	// must be safe to call repeatedly, including after the job has
	// reached a terminal state.
	Status(ctx context.Context, id JobID) (JobStatus, error)

	// Cancel requests termination of the given job. Cancelling an
	// already-terminal job is not an error.
	Cancel(ctx context.Context, id JobID) error
}

// InstanceSpec describes a self-managed compute instance to be
// provisioned directly, bypassing the accelerator execution service.
type InstanceSpec struct {
	Region           string
	MachineProfile   string
	AcceleratorType  string
	AcceleratorCount int
	Preemptible      bool
	StartupPayload   []byte
}

// Instance is implemented by the provider-specific instance types.
type Instance interface {
	// ID returns the provider's instance ID. It must be stable
	// for the life of the instance.
	ID() InstanceID

	// String typically returns the cloud-provided instance ID.
	String() string

	// Cloud provider's machine profile, e.g. "g4dn.xlarge".
	ProviderType() string

	// Get current tags
	Tags() InstanceTags

	// Replace tags with the given tags
	SetTags(InstanceTags) error

	// Shut down the instance
	Destroy() error
}

// An InstanceSet manages a set of VM instances created by an elastic
// cloud provider.
//
// All public methods of an InstanceSet, and all public methods of the
// instances it returns, are goroutine safe.
type InstanceSet interface {
	// Create a new instance with the given spec and initial set of
	// tags, and run the startup payload on it at boot.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	Create(ctx context.Context, spec InstanceSpec, tags InstanceTags) (Instance, error)

	// Return all instances, including ones that are booting or
	// shutting down, that carry all of the given tags.
	Instances(ctx context.Context, tags InstanceTags) ([]Instance, error)

	// Stop any background tasks and release other resources.
	Stop()
}
