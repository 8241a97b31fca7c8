// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package batchapi is a client for the remote accelerator execution
// service. It maps the service's HTTP responses onto the closed error
// set the orchestrator branches on (quota, invalid spec, transient),
// so no caller ever inspects response bodies or status codes.
package batchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/autovideo-dev/renderd/lib/cloud"
)

const (
	codeQuotaExceeded = "QUOTA_EXCEEDED"

	// Transport-level retries only. Submission-level retry policy
	// belongs to the retry manager, not this client.
	transportRetryMax = 2
)

type quotaError struct{ msg string }

func (e quotaError) Error() string      { return e.msg }
func (e quotaError) IsQuotaError() bool { return true }

type invalidSpecError struct{ msg string }

func (e invalidSpecError) Error() string       { return e.msg }
func (e invalidSpecError) IsInvalidSpec() bool { return true }

type transientError struct{ msg string }

func (e transientError) Error() string     { return e.msg }
func (e transientError) IsTransient() bool { return true }

type rateLimitError struct {
	msg   string
	until time.Time
}

func (e rateLimitError) Error() string            { return e.msg }
func (e rateLimitError) IsQuotaError() bool       { return true }
func (e rateLimitError) EarliestRetry() time.Time { return e.until }

// Client talks to one accelerator execution service endpoint.
//
// All methods are goroutine safe.
type Client struct {
	endpoint  string
	authToken string
	logger    logrus.FieldLogger
	hc        *retryablehttp.Client
}

var _ cloud.JobService = (*Client)(nil)

// New returns a Client for the given endpoint. The endpoint is the
// service base URL without a trailing slash.
func New(endpoint, authToken string, logger logrus.FieldLogger) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = transportRetryMax
	hc.Logger = nil
	// Never retry a POST at the transport level: a submission that
	// timed out may have created a job, and a blind resend would
	// double-submit.
	hc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &Client{
		endpoint:  endpoint,
		authToken: authToken,
		logger:    logger,
		hc:        hc,
	}
}

// jobPayload is the wire form of a cloud.JobSpec.
type jobPayload struct {
	DisplayName      string   `json:"display_name"`
	Region           string   `json:"region"`
	MachineProfile   string   `json:"machine_profile"`
	AcceleratorType  string   `json:"accelerator_type,omitempty"`
	AcceleratorCount int      `json:"accelerator_count"`
	Preemptible      bool     `json:"preemptible"`
	ContainerRef     string   `json:"container_ref"`
	Args             []string `json:"args"`
	TimeoutSeconds   int64    `json:"timeout_seconds"`
}

type jobCreated struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	State             string     `json:"state"`
	SubmittedAt       *time.Time `json:"submitted_at"`
	StartedAt         *time.Time `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`
	TerminationReason string     `json:"termination_reason"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.endpoint+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, transientError{msg: fmt.Sprintf("%s %s: %s", method, path, err)}
	}
	return resp, nil
}

// translateResponse maps a non-2xx response to the closed error set.
// The response body is consumed.
func translateResponse(resp *http.Response) error {
	defer resp.Body.Close()
	var er errorResponse
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	json.Unmarshal(buf, &er)
	msg := er.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("request failed: %s", resp.Status)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				return rateLimitError{msg: msg, until: time.Now().Add(secs)}
			}
		}
		return quotaError{msg: msg}
	case resp.StatusCode == http.StatusForbidden && er.Error.Code == codeQuotaExceeded:
		return quotaError{msg: msg}
	case resp.StatusCode == http.StatusBadRequest:
		return invalidSpecError{msg: msg}
	case resp.StatusCode >= 500:
		return transientError{msg: msg}
	default:
		return fmt.Errorf("accelerator service: %s (HTTP %d)", msg, resp.StatusCode)
	}
}

// Submit creates a remote job and returns its ID without waiting for
// it to start.
func (c *Client) Submit(ctx context.Context, spec cloud.JobSpec) (cloud.JobID, error) {
	if spec.MachineProfile == "" {
		return "", invalidSpecError{msg: "submit: machine profile not set"}
	}
	payload := jobPayload{
		DisplayName:      "av-render-" + uuid.NewString()[:8],
		Region:           spec.Region,
		MachineProfile:   spec.MachineProfile,
		AcceleratorType:  spec.AcceleratorType,
		AcceleratorCount: spec.AcceleratorCount,
		Preemptible:      spec.Preemptible,
		ContainerRef:     spec.ContainerRef,
		Args:             spec.Args,
		TimeoutSeconds:   int64(spec.Timeout / time.Second),
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs", payload)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", translateResponse(resp)
	}
	defer resp.Body.Close()
	var created jobCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", transientError{msg: fmt.Sprintf("submit: decoding response: %s", err)}
	}
	if created.JobID == "" {
		return "", transientError{msg: "submit: service returned empty job_id"}
	}
	c.logger.WithFields(logrus.Fields{
		"JobID":          created.JobID,
		"Region":         spec.Region,
		"MachineProfile": spec.MachineProfile,
	}).Info("job submitted")
	return cloud.JobID(created.JobID), nil
}

// Status returns the current snapshot of the given job.
func (c *Client) Status(ctx context.Context, id cloud.JobID) (cloud.JobStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+string(id), nil)
	if err != nil {
		return cloud.JobStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return cloud.JobStatus{}, translateResponse(resp)
	}
	defer resp.Body.Close()
	var jr jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return cloud.JobStatus{}, transientError{msg: fmt.Sprintf("status %s: decoding response: %s", id, err)}
	}
	st := cloud.JobStatus{
		State:             cloud.JobState(jr.State),
		TerminationReason: jr.TerminationReason,
	}
	if jr.SubmittedAt != nil {
		st.SubmittedAt = *jr.SubmittedAt
	}
	if jr.StartedAt != nil {
		st.StartedAt = *jr.StartedAt
	}
	if jr.EndedAt != nil {
		st.EndedAt = *jr.EndedAt
	}
	return st, nil
}

// Cancel requests termination of the given job. A job that is already
// gone counts as cancelled.
func (c *Client) Cancel(ctx context.Context, id cloud.JobID) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs/"+string(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return translateResponse(resp)
	}
	resp.Body.Close()
	return nil
}
