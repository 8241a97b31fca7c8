// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/autovideo-dev/renderd/lib/cloud"
)

// A Poller tracks remote jobs to their terminal state. The Limiter, if
// set, caps aggregate status-query throughput across all concurrent
// requests sharing this Poller.
type Poller struct {
	JobService cloud.JobService
	Interval   time.Duration
	Limiter    *rate.Limiter
	Logger     logrus.FieldLogger
}

// Poll refreshes job with the latest remote snapshot. Idempotent: once
// the job is terminal, Poll returns immediately without touching the
// service. A failed status query leaves the job unchanged, treated as
// still pending; only ctx cancellation is returned as an error.
func (p *Poller) Poll(ctx context.Context, job *RenderJob) error {
	if job.State.Terminal() {
		return nil
	}
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	st, err := p.JobService.Status(ctx, job.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.Logger.WithError(err).WithField("JobID", job.JobID).Warn("status query failed, treating job as still pending")
		return nil
	}
	job.State = classifyState(st)
	if !st.SubmittedAt.IsZero() {
		job.SubmittedAt = st.SubmittedAt
	}
	if !st.StartedAt.IsZero() {
		job.StartedAt = st.StartedAt
	}
	if !st.EndedAt.IsZero() {
		job.EndedAt = st.EndedAt
	}
	job.TerminationReason = st.TerminationReason
	return nil
}

// Wait polls until the job reaches a terminal state, the wall-clock
// budget elapses, or ctx is cancelled. On timeout the remote job is
// cancelled best-effort, the job is marked failed, and ErrJobTimeout
// is returned so the caller can record the distinct outcome.
func (p *Poller) Wait(ctx context.Context, job *RenderJob, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx, job); err != nil {
			p.cancelRemote(job)
			if !job.State.Terminal() {
				job.State = StateCancelled
			}
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			p.cancelRemote(job)
			job.State = StateFailed
			job.TerminationReason = "exceeded wall-clock budget"
			return ErrJobTimeout
		}
		select {
		case <-ctx.Done():
			p.cancelRemote(job)
			job.State = StateCancelled
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelRemote asks the service to stop the job. Best effort; the
// caller's ctx may already be cancelled, so a fresh one is used.
func (p *Poller) cancelRemote(job *RenderJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.JobService.Cancel(ctx, job.JobID); err != nil {
		p.Logger.WithError(err).WithField("JobID", job.JobID).Warn("remote cancel failed")
	}
}
