// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/autovideo-dev/renderd/lib/tier"
)

// A Ladder walks the ranked tier catalog for one request. Each tier is
// run to a conclusion by the retry manager; quota exhaustion, failure,
// timeout, and exhausted preemption retries all advance to the next
// rung. The VM fallback is the final rung, and the only one whose
// failure surfaces to the caller.
type Ladder struct {
	Catalog          tier.Catalog
	Retry            *RetryManager
	VM               *VMFallback
	MinViableTimeout time.Duration
	Logger           logrus.FieldLogger
	Events           EventSink
	Metrics          *metrics
}

// Execute runs the request to its single terminal Result.
func (l *Ladder) Execute(ctx context.Context, req RenderRequest) *Result {
	logger := l.Logger.WithField("RequestID", req.RequestID)
	catalog := l.Catalog
	if req.PreferPreemptible {
		catalog = catalog.WithPreemptible()
	}
	ranked := catalog.Rank(req.EstimatedDuration)

	res := &Result{}
	for _, t := range ranked {
		if t.SelfManaged {
			// Provisioned directly by the VM fallback, never
			// submitted as a remote job.
			continue
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if skip, remaining := l.deadlineTooClose(req); skip {
			logger.WithFields(logrus.Fields{
				"Remaining": remaining,
				"Tier":      t.String(),
			}).Warn("deadline too close for another remote attempt, skipping to vm fallback")
			l.Events.emit(Event{RequestID: req.RequestID, Kind: EventDeadlineSkip, Tier: t.String(), Detail: remaining.String()})
			res.History = append(res.History, Attempt{
				Tier:    t.String(),
				Outcome: OutcomeSkippedDeadline,
				Detail:  "remaining deadline budget " + remaining.String(),
				At:      time.Now(),
			})
			break
		}

		l.Events.emit(Event{RequestID: req.RequestID, Kind: EventTierStart, Tier: t.String()})
		job, outcome, err := l.Retry.Run(ctx, t, req)
		res.History = append(res.History, Attempt{
			Tier:    t.String(),
			Outcome: outcome,
			Job:     job,
			At:      time.Now(),
		})
		l.Metrics.recordAttempt(t, outcome, job)

		if err != nil {
			// Invalid spec or cancellation: no rung below can
			// help.
			res.Err = err
			return res
		}
		if outcome == OutcomeSucceeded {
			res.FinalJob = job
			res.OutputRef = req.Assets.OutputKey()
			logger.WithFields(logrus.Fields{
				"Tier":  t.String(),
				"JobID": job.JobID,
			}).Info("request succeeded on remote tier")
			return res
		}
		logger.WithFields(logrus.Fields{
			"Tier":    t.String(),
			"Outcome": outcome,
		}).Info("tier exhausted, advancing")
		l.Events.emit(Event{RequestID: req.RequestID, Kind: EventTierAdvance, Tier: t.String(), Detail: string(outcome)})
	}

	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}

	logger.Info("all remote tiers exhausted, launching vm fallback")
	if l.Metrics != nil {
		l.Metrics.vmFallbacks.Inc()
	}
	outputRef, err := l.VM.Render(ctx, req)
	if err != nil {
		res.History = append(res.History, Attempt{
			Tier:    "vm",
			Outcome: OutcomeVMFailed,
			Detail:  err.Error(),
			At:      time.Now(),
		})
		res.Err = err
		logger.WithError(err).Error("vm fallback failed, request failed")
		return res
	}
	res.History = append(res.History, Attempt{
		Tier:    "vm",
		Outcome: OutcomeVMSucceeded,
		At:      time.Now(),
	})
	res.OutputRef = outputRef
	logger.Info("request succeeded on vm fallback")
	return res
}

// deadlineTooClose reports whether the remaining deadline budget is
// below the minimum worth spending on another remote attempt.
func (l *Ladder) deadlineTooClose(req RenderRequest) (bool, time.Duration) {
	if req.Deadline.IsZero() {
		return false, 0
	}
	remaining := time.Until(req.Deadline)
	return remaining < l.MinViableTimeout, remaining
}
