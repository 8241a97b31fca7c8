// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autovideo-dev/renderd/lib/tier"
)

type metrics struct {
	requestsActive  prometheus.Gauge
	requestOutcomes *prometheus.CounterVec
	tierAttempts    *prometheus.CounterVec
	vmFallbacks     prometheus.Counter
	queueDuration   prometheus.Summary
	runDuration     prometheus.Summary
	estimatedCost   prometheus.Counter
	preemptRetries  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{}
	m.requestsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "renderd",
		Name:      "requests_active",
		Help:      "Number of render requests currently in flight.",
	})
	reg.MustRegister(m.requestsActive)
	m.requestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderd",
		Name:      "requests_total",
		Help:      "Number of render requests that reached a terminal state.",
	}, []string{"outcome"})
	reg.MustRegister(m.requestOutcomes)
	m.tierAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderd",
		Name:      "tier_attempts_total",
		Help:      "Number of tier attempts, by hardware class, region, and outcome.",
	}, []string{"hardware_class", "region", "outcome"})
	reg.MustRegister(m.tierAttempts)
	m.vmFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "renderd",
		Name:      "vm_fallbacks_total",
		Help:      "Number of requests that exhausted all remote tiers and fell back to a self-managed VM.",
	})
	reg.MustRegister(m.vmFallbacks)
	m.queueDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "renderd",
		Name:      "job_queue_duration_seconds",
		Help:      "Time remote jobs spent queued before starting.",
	})
	reg.MustRegister(m.queueDuration)
	m.runDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "renderd",
		Name:      "job_run_duration_seconds",
		Help:      "Time remote jobs spent running.",
	})
	reg.MustRegister(m.runDuration)
	m.estimatedCost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "renderd",
		Name:      "estimated_cost_dollars_total",
		Help:      "Estimated spend on completed remote jobs, from the tier cost model.",
	})
	reg.MustRegister(m.estimatedCost)
	m.preemptRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "renderd",
		Name:      "preemption_retries_total",
		Help:      "Number of job resubmissions caused by preemption.",
	})
	reg.MustRegister(m.preemptRetries)
	return m
}

// recordAttempt folds one concluded tier attempt into the counters and
// summaries. Unknown durations (missing timestamps) are skipped, not
// counted as zero.
func (m *metrics) recordAttempt(t tier.Tier, outcome Outcome, job *RenderJob) {
	if m == nil {
		return
	}
	m.tierAttempts.WithLabelValues(string(t.HardwareClass), t.Region, string(outcome)).Inc()
	if job == nil {
		return
	}
	if d, ok := job.QueueDuration(); ok {
		m.queueDuration.Observe(d.Seconds())
	}
	if d, ok := job.RunDuration(); ok {
		m.runDuration.Observe(d.Seconds())
		if cost, ok := t.Cost(d); ok {
			m.estimatedCost.Add(cost)
		}
	}
	m.preemptRetries.Add(float64(job.RetryCount))
}

func (m *metrics) recordRequest(res *Result) {
	if m == nil {
		return
	}
	switch {
	case res.Succeeded():
		m.requestOutcomes.WithLabelValues("succeeded").Inc()
	case errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded):
		m.requestOutcomes.WithLabelValues("cancelled").Inc()
	default:
		m.requestOutcomes.WithLabelValues("failed").Inc()
	}
}
