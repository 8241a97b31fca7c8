// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/staging"
	"github.com/autovideo-dev/renderd/lib/tier"
)

// A RetryManager runs one tier to a conclusion, resubmitting in place
// after preemptions. Preemption retries and transient submission
// retries draw from the same MaxRetries budget; a tier that was always
// preempted is submitted exactly MaxRetries+1 times.
type RetryManager struct {
	JobService   cloud.JobService
	Poller       *Poller
	ContainerRef string
	MaxRetries   int
	RetryDelay   time.Duration
	JobTimeout   time.Duration
	Logger       logrus.FieldLogger
	Events       EventSink
}

// Run attempts the request on the given tier. The returned error is
// non-nil only for fatal conditions: an invalid job spec, or ctx
// cancellation. Every other conclusion is expressed as an Outcome so
// the ladder can decide whether to advance.
func (rm *RetryManager) Run(ctx context.Context, t tier.Tier, req RenderRequest) (*RenderJob, Outcome, error) {
	logger := rm.Logger.WithFields(logrus.Fields{
		"RequestID": req.RequestID,
		"Tier":      t.String(),
	})
	retries := 0
	for {
		timeout := rm.attemptTimeout(req)
		if timeout <= 0 {
			return nil, OutcomeTimedOut, nil
		}
		jobID, err := rm.JobService.Submit(ctx, rm.buildSpec(t, req, timeout))
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, OutcomeCancelled, ctx.Err()
			case cloud.IsQuotaError(err):
				logger.WithError(err).Info("quota exhausted, advancing to next tier")
				return nil, OutcomeQuotaExceeded, nil
			case cloud.IsInvalidSpecError(err):
				logger.WithError(err).Error("job spec rejected")
				return nil, OutcomeFailed, fmt.Errorf("invalid job spec for tier %s: %w", t, err)
			case cloud.IsTransientError(err):
				retries++
				if retries > rm.MaxRetries {
					logger.WithError(err).Warn("submission retries exhausted")
					return nil, OutcomeFailed, nil
				}
				logger.WithError(err).WithField("Retry", retries).Info("transient submission error, retrying")
				if err := sleepCtx(ctx, rm.RetryDelay); err != nil {
					return nil, OutcomeCancelled, err
				}
				continue
			default:
				logger.WithError(err).Warn("submission failed")
				return nil, OutcomeFailed, nil
			}
		}
		job := &RenderJob{
			JobID:       jobID,
			Tier:        t,
			State:       StateQueued,
			SubmittedAt: time.Now(),
			RetryCount:  retries,
		}
		logger.WithField("JobID", jobID).Info("job submitted")
		rm.Events.emit(Event{RequestID: req.RequestID, Kind: EventJobSubmitted, Tier: t.String(), JobID: jobID})

		err = rm.Poller.Wait(ctx, job, timeout)
		rm.Events.emit(Event{RequestID: req.RequestID, Kind: EventJobTerminal, Tier: t.String(), JobID: jobID, State: job.State, Detail: job.TerminationReason})
		switch {
		case errors.Is(err, ErrJobTimeout):
			logger.WithField("JobID", jobID).Warn("job exceeded wall-clock budget")
			return job, OutcomeTimedOut, nil
		case err != nil:
			return job, OutcomeCancelled, err
		}
		switch job.State {
		case StateSucceeded:
			return job, OutcomeSucceeded, nil
		case StatePreempted:
			retries++
			if retries > rm.MaxRetries {
				logger.WithField("JobID", jobID).Warn("preemption retries exhausted")
				return job, OutcomeExhausted, nil
			}
			logger.WithFields(logrus.Fields{
				"JobID": jobID,
				"Retry": retries,
			}).Info("job preempted, resubmitting after delay")
			rm.Events.emit(Event{RequestID: req.RequestID, Kind: EventPreemptRetry, Tier: t.String(), JobID: jobID, Detail: fmt.Sprintf("retry %d of %d", retries, rm.MaxRetries)})
			if err := sleepCtx(ctx, rm.RetryDelay); err != nil {
				return job, OutcomeCancelled, err
			}
		case StateCancelled:
			return job, OutcomeFailed, nil
		default:
			logger.WithFields(logrus.Fields{
				"JobID":  jobID,
				"Reason": job.TerminationReason,
			}).Warn("job failed")
			return job, OutcomeFailed, nil
		}
	}
}

// attemptTimeout is the wall-clock budget for one attempt: the
// configured per-job timeout, clipped to the request deadline.
func (rm *RetryManager) attemptTimeout(req RenderRequest) time.Duration {
	timeout := rm.JobTimeout
	if !req.Deadline.IsZero() {
		if remaining := time.Until(req.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (rm *RetryManager) buildSpec(t tier.Tier, req RenderRequest, timeout time.Duration) cloud.JobSpec {
	return cloud.JobSpec{
		Region:           t.Region,
		MachineProfile:   t.MachineProfile,
		AcceleratorType:  t.HardwareClass.AcceleratorType(),
		AcceleratorCount: t.HardwareClass.AcceleratorCount(),
		Preemptible:      t.Preemptible,
		ContainerRef:     rm.ContainerRef,
		Args:             renderArgs(req.RequestID, req.Assets),
		Timeout:          timeout,
	}
}

// renderArgs is the command line passed to the render container; the
// fallback VM's startup payload names the same objects.
func renderArgs(requestID string, a staging.AssetSet) []string {
	args := []string{
		"--request-id", requestID,
		"--story", a.Story,
		"--audio", a.Audio,
		"--output", a.OutputKey(),
		"--sentinel", a.SentinelKey(),
	}
	for _, img := range a.Images {
		args = append(args, "--image", img)
	}
	return args
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
