// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package orchestrator schedules render jobs across an ordered ladder
// of execution tiers, retries preempted attempts in place, and falls
// back to a self-provisioned VM when every remote tier is exhausted.
package orchestrator

import (
	"errors"
	"time"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/staging"
	"github.com/autovideo-dev/renderd/lib/tier"
)

var (
	// ErrJobTimeout means a remote job exceeded its wall-clock
	// budget. The ladder advances, same as a failure.
	ErrJobTimeout = errors.New("job exceeded its wall-clock budget")

	// ErrVMFallbackTimeout means the last-resort VM render did not
	// signal completion in time. Fatal for the request.
	ErrVMFallbackTimeout = errors.New("vm fallback timed out waiting for completion sentinel")
)

// JobState is the per-attempt state machine. Unlike the remote
// service's states it distinguishes PREEMPTED from FAILED; that
// distinction decides whether the retry manager resubmits in place or
// the ladder advances.
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateRunning   JobState = "RUNNING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
	StatePreempted JobState = "PREEMPTED"
	StateCancelled JobState = "CANCELLED"
)

// Terminal returns true if no further state transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StatePreempted, StateCancelled:
		return true
	default:
		return false
	}
}

// A RenderRequest is the unit of work: render the staged assets into
// one video before the deadline.
type RenderRequest struct {
	RequestID         string           `json:"request_id"`
	Assets            staging.AssetSet `json:"assets"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	Deadline          time.Time        `json:"deadline"`
	PreferPreemptible bool             `json:"prefer_preemptible"`
}

// A RenderJob is one attempt on one tier. Once terminal it is retained
// for metrics/audit only and never mutated again.
type RenderJob struct {
	JobID             cloud.JobID `json:"job_id"`
	Tier              tier.Tier   `json:"tier"`
	State             JobState    `json:"state"`
	SubmittedAt       time.Time   `json:"submitted_at"`
	StartedAt         time.Time   `json:"started_at"`
	EndedAt           time.Time   `json:"ended_at"`
	TerminationReason string      `json:"termination_reason,omitempty"`
	RetryCount        int         `json:"retry_count"`
}

// QueueDuration returns started_at - submitted_at, with ok=false when
// either timestamp is unavailable. An unknown duration is reported
// explicitly rather than defaulting to zero.
func (job *RenderJob) QueueDuration() (time.Duration, bool) {
	if job.SubmittedAt.IsZero() || job.StartedAt.IsZero() {
		return 0, false
	}
	return job.StartedAt.Sub(job.SubmittedAt), true
}

// RunDuration returns ended_at - started_at, with ok=false when either
// timestamp is unavailable.
func (job *RenderJob) RunDuration() (time.Duration, bool) {
	if job.StartedAt.IsZero() || job.EndedAt.IsZero() {
		return 0, false
	}
	return job.EndedAt.Sub(job.StartedAt), true
}

// TotalDuration returns ended_at - submitted_at, with ok=false when
// either timestamp is unavailable.
func (job *RenderJob) TotalDuration() (time.Duration, bool) {
	if job.SubmittedAt.IsZero() || job.EndedAt.IsZero() {
		return 0, false
	}
	return job.EndedAt.Sub(job.SubmittedAt), true
}

// Outcome summarizes how one ladder entry ended.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeQuotaExceeded   Outcome = "quota_exceeded"
	OutcomeExhausted       Outcome = "preemption_retries_exhausted"
	OutcomeFailed          Outcome = "failed"
	OutcomeTimedOut        Outcome = "timed_out"
	OutcomeSkippedDeadline Outcome = "skipped_deadline"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeVMSucceeded     Outcome = "vm_succeeded"
	OutcomeVMFailed        Outcome = "vm_failed"
)

// An Attempt is one entry in a request's history: a tier that was
// tried, skipped, or the VM fallback. The history is returned to the
// caller with the terminal result, so failures can be diagnosed
// without log access.
type Attempt struct {
	Tier    string     `json:"tier"`
	Outcome Outcome    `json:"outcome"`
	Detail  string     `json:"detail,omitempty"`
	Job     *RenderJob `json:"job,omitempty"`
	At      time.Time  `json:"at"`
}

// Result is the single terminal outcome a caller receives.
type Result struct {
	// OutputRef is the object-storage key of the rendered video;
	// empty unless the request succeeded.
	OutputRef string     `json:"output_ref,omitempty"`
	FinalJob  *RenderJob `json:"final_job,omitempty"`
	History   []Attempt  `json:"history"`
	Err       error      `json:"-"`
}

// Succeeded returns true if some execution path produced the output.
func (r *Result) Succeeded() bool {
	return r != nil && r.Err == nil && r.OutputRef != ""
}

// Event kinds emitted on every significant transition.
const (
	EventTierStart    = "tier_start"
	EventJobSubmitted = "job_submitted"
	EventJobTerminal  = "job_terminal"
	EventPreemptRetry = "preempt_retry"
	EventTierAdvance  = "tier_advance"
	EventDeadlineSkip = "deadline_skip"
	EventVMStart      = "vm_start"
	EventVMDone       = "vm_done"
)

// An Event is a timestamped record of a state transition, emitted for
// observability collaborators.
type Event struct {
	Time      time.Time   `json:"time"`
	RequestID string      `json:"request_id"`
	Kind      string      `json:"kind"`
	Tier      string      `json:"tier,omitempty"`
	JobID     cloud.JobID `json:"job_id,omitempty"`
	State     JobState    `json:"state,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// An EventSink receives events. It must not block.
type EventSink func(Event)

func (sink EventSink) emit(ev Event) {
	if sink != nil {
		ev.Time = time.Now()
		sink(ev)
	}
}
