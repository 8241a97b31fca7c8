// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/staging"
	"github.com/autovideo-dev/renderd/lib/tier"
)

var ErrRequestNotFound = errors.New("no such request")

// Phase is the coarse position of a request in its lifecycle, for
// status reporting.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRemote     Phase = "remote"
	PhaseVMFallback Phase = "vm_fallback"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// RequestStatus is a point-in-time view of a request.
type RequestStatus struct {
	RequestID          string        `json:"request_id"`
	Phase              Phase         `json:"phase"`
	CurrentTier        string        `json:"current_tier,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	OutputRef          string        `json:"output_ref,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// Params collects everything an Orchestrator needs.
type Params struct {
	Catalog      tier.Catalog
	JobService   cloud.JobService
	InstanceSet  cloud.InstanceSet
	Store        staging.Storage
	Bucket       string
	ContainerRef string

	MaxRetries       int
	RetryDelay       time.Duration
	PollInterval     time.Duration
	JobTimeout       time.Duration
	VMTimeout        time.Duration
	VMPollInterval   time.Duration
	MinViableTimeout time.Duration

	// Aggregate status-query rate across all requests; zero means
	// unlimited.
	StatusQueriesPerSecond float64

	Registry *prometheus.Registry
	Logger   logrus.FieldLogger
	Events   EventSink
}

// An Orchestrator accepts render requests and runs each one through
// the tier ladder in its own goroutine.
type Orchestrator struct {
	params  Params
	ctx     context.Context
	limiter *rate.Limiter
	metrics *metrics
	logger  logrus.FieldLogger

	mtx      sync.Mutex
	requests map[string]*RequestHandle
}

// New returns a started Orchestrator. ctx bounds the lifetime of all
// requests; cancelling it aborts every request in flight.
func New(ctx context.Context, params Params) *Orchestrator {
	var limiter *rate.Limiter
	if params.StatusQueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(params.StatusQueriesPerSecond), 1)
	}
	var m *metrics
	if params.Registry != nil {
		m = newMetrics(params.Registry)
	}
	return &Orchestrator{
		params:   params,
		ctx:      ctx,
		limiter:  limiter,
		metrics:  m,
		logger:   params.Logger,
		requests: map[string]*RequestHandle{},
	}
}

// Submit validates and accepts a request, starts its ladder walk in
// the background, and returns a handle. Assets must already be staged.
func (o *Orchestrator) Submit(req RenderRequest) (*RequestHandle, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Assets.Prefix == "" {
		req.Assets = staging.NewAssetSet(req.RequestID)
	}
	if req.EstimatedDuration <= 0 {
		return nil, errors.New("orchestrator: EstimatedDuration must be positive")
	}
	if err := o.params.Catalog.Check(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(o.ctx)
	h := &RequestHandle{
		ID:        req.RequestID,
		ctx:       ctx,
		cancel:    cancel,
		phase:     PhasePending,
		startedAt: time.Now(),
		estimated: req.EstimatedDuration,
		done:      make(chan struct{}),
	}

	o.mtx.Lock()
	if _, dup := o.requests[req.RequestID]; dup {
		o.mtx.Unlock()
		cancel()
		return nil, errors.New("orchestrator: duplicate request ID " + req.RequestID)
	}
	o.requests[req.RequestID] = h
	o.mtx.Unlock()

	go o.run(h, req)
	return h, nil
}

func (o *Orchestrator) run(h *RequestHandle, req RenderRequest) {
	defer close(h.done)
	if o.metrics != nil {
		o.metrics.requestsActive.Inc()
		defer o.metrics.requestsActive.Dec()
	}

	poller := &Poller{
		JobService: o.params.JobService,
		Interval:   o.params.PollInterval,
		Limiter:    o.limiter,
		Logger:     o.logger,
	}
	events := EventSink(func(ev Event) {
		h.observe(ev)
		if o.params.Events != nil {
			o.params.Events(ev)
		}
	})
	ladder := &Ladder{
		Catalog: o.params.Catalog,
		Retry: &RetryManager{
			JobService:   o.params.JobService,
			Poller:       poller,
			ContainerRef: o.params.ContainerRef,
			MaxRetries:   o.params.MaxRetries,
			RetryDelay:   o.params.RetryDelay,
			JobTimeout:   o.params.JobTimeout,
			Logger:       o.logger,
			Events:       events,
		},
		VM: &VMFallback{
			InstanceSet:  o.params.InstanceSet,
			Store:        o.params.Store,
			Catalog:      o.params.Catalog,
			Bucket:       o.params.Bucket,
			ContainerRef: o.params.ContainerRef,
			Timeout:      o.params.VMTimeout,
			PollInterval: o.params.VMPollInterval,
			Logger:       o.logger,
			Events:       events,
		},
		MinViableTimeout: o.params.MinViableTimeout,
		Logger:           o.logger,
		Events:           events,
		Metrics:          o.metrics,
	}

	res := ladder.Execute(h.ctx, req)
	o.metrics.recordRequest(res)
	h.finish(res)
}

// Get returns the handle for the given request ID.
func (o *Orchestrator) Get(requestID string) (*RequestHandle, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	h, ok := o.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return h, nil
}

// Cancel aborts the given request. In-flight remote jobs are cancelled
// best-effort and any fallback VM is torn down.
func (o *Orchestrator) Cancel(requestID string) error {
	h, err := o.Get(requestID)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// Statuses returns a snapshot of every known request, newest first.
func (o *Orchestrator) Statuses() []RequestStatus {
	o.mtx.Lock()
	handles := make([]*RequestHandle, 0, len(o.requests))
	for _, h := range o.requests {
		handles = append(handles, h)
	}
	o.mtx.Unlock()
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].startedAt.After(handles[j].startedAt)
	})
	statuses := make([]RequestStatus, len(handles))
	for i, h := range handles {
		statuses[i] = h.Status()
	}
	return statuses
}

// A RequestHandle tracks one request from submission to its terminal
// Result.
type RequestHandle struct {
	ID string

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	estimated time.Duration
	done      chan struct{}

	mtx         sync.Mutex
	phase       Phase
	currentTier string
	result      *Result
}

// Done returns a channel that is closed when the request reaches its
// terminal state.
func (h *RequestHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result, or nil while the request is
// still in flight.
func (h *RequestHandle) Result() *Result {
	select {
	case <-h.done:
		h.mtx.Lock()
		defer h.mtx.Unlock()
		return h.result
	default:
		return nil
	}
}

// Cancel aborts the request.
func (h *RequestHandle) Cancel() {
	h.cancel()
}

// Status returns a point-in-time view of the request.
func (h *RequestHandle) Status() RequestStatus {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	st := RequestStatus{
		RequestID:   h.ID,
		Phase:       h.phase,
		CurrentTier: h.currentTier,
		Elapsed:     time.Since(h.startedAt),
	}
	if h.result != nil {
		st.OutputRef = h.result.OutputRef
		if h.result.Err != nil {
			st.Error = h.result.Err.Error()
		}
	} else if remaining := h.estimated - st.Elapsed; remaining > 0 {
		st.EstimatedRemaining = remaining
	}
	return st
}

func (h *RequestHandle) observe(ev Event) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	switch ev.Kind {
	case EventTierStart:
		h.phase = PhaseRemote
		h.currentTier = ev.Tier
	case EventVMStart:
		h.phase = PhaseVMFallback
		h.currentTier = ev.Tier
	}
}

func (h *RequestHandle) finish(res *Result) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.result = res
	switch {
	case res.Succeeded():
		h.phase = PhaseSucceeded
	case errors.Is(res.Err, context.Canceled):
		h.phase = PhaseCancelled
	default:
		h.phase = PhaseFailed
	}
	h.currentTier = ""
}
