// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"strings"

	"github.com/autovideo-dev/renderd/lib/cloud"
)

// The execution service reports a preempted job as FAILED with a
// free-text termination reason. These are the substrings observed
// across providers when capacity was reclaimed; matching is
// case-insensitive.
var preemptionIndicators = []string{
	"preempt",
	"instance was terminated",
	"instance stopped",
	"compute.instances.preempted",
}

// classifyState maps a remote job snapshot onto the orchestrator's
// state machine. This is the only place termination reasons are
// inspected; everything downstream branches on JobState.
func classifyState(st cloud.JobStatus) JobState {
	switch st.State {
	case cloud.JobQueued:
		return StateQueued
	case cloud.JobRunning:
		return StateRunning
	case cloud.JobSucceeded:
		return StateSucceeded
	case cloud.JobCancelled:
		return StateCancelled
	case cloud.JobFailed:
		reason := strings.ToLower(st.TerminationReason)
		for _, indicator := range preemptionIndicators {
			if strings.Contains(reason, indicator) {
				return StatePreempted
			}
		}
		return StateFailed
	default:
		// Unknown states from a newer service version are treated
		// as still pending rather than failed.
		return StateQueued
	}
}
