// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/ctxlog"
)

var _ = check.Suite(&APISuite{})

type APISuite struct {
	svc   *stubJobService
	store *memStorage
	orch  *Orchestrator
	srv   *httptest.Server
}

func (s *APISuite) SetUpTest(c *check.C) {
	s.svc = newStubJobService(submitStep{state: cloud.JobSucceeded})
	s.store = newMemStorage()
	reg := prometheus.NewRegistry()
	s.orch = New(context.Background(), Params{
		Catalog:        testCatalog(),
		JobService:     s.svc,
		InstanceSet:    &stubInstanceSet{},
		Store:          s.store,
		Bucket:         "renders",
		ContainerRef:   "gcr.io/test/av-render",
		MaxRetries:     5,
		RetryDelay:     time.Millisecond,
		PollInterval:   time.Millisecond,
		JobTimeout:     time.Second,
		VMTimeout:      200 * time.Millisecond,
		VMPollInterval: time.Millisecond,
		Registry:       reg,
		Logger:         ctxlog.TestLogger(c),
	})
	s.srv = httptest.NewServer(NewHandler(s.orch, reg, "testtoken", ctxlog.TestLogger(c)))
}

func (s *APISuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *APISuite) do(c *check.C, method, path, token string, body interface{}) *http.Response {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		c.Assert(err, check.IsNil)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, buf)
	c.Assert(err, check.IsNil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	return resp
}

func (s *APISuite) TestAuthRequired(c *check.C) {
	resp := s.do(c, "GET", "/renderd/v1/requests", "", nil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusUnauthorized)

	resp = s.do(c, "GET", "/renderd/v1/requests", "wrongtoken", nil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusUnauthorized)
}

func (s *APISuite) TestSubmitGetRoundTrip(c *check.C) {
	resp := s.do(c, "POST", "/renderd/v1/requests", "testtoken", map[string]interface{}{
		"request_id":                 "req-api",
		"estimated_duration_seconds": 600,
	})
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, check.Equals, http.StatusAccepted)
	var st RequestStatus
	c.Assert(json.NewDecoder(resp.Body).Decode(&st), check.IsNil)
	c.Check(st.RequestID, check.Equals, "req-api")

	h, err := s.orch.Get("req-api")
	c.Assert(err, check.IsNil)
	waitDone(c, h)

	resp = s.do(c, "GET", "/renderd/v1/requests/req-api", "testtoken", nil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, check.Equals, http.StatusOK)
	var got struct {
		RequestStatus
		Result *Result `json:"result"`
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&got), check.IsNil)
	c.Check(got.Phase, check.Equals, PhaseSucceeded)
	c.Assert(got.Result, check.NotNil)
	c.Check(got.Result.OutputRef, check.Equals, "jobs/req-api/output/final.mp4")

	resp = s.do(c, "GET", "/renderd/v1/requests", "testtoken", nil)
	defer resp.Body.Close()
	var list struct {
		Items []RequestStatus `json:"items"`
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&list), check.IsNil)
	c.Check(list.Items, check.HasLen, 1)
}

func (s *APISuite) TestGetUnknownRequest(c *check.C) {
	resp := s.do(c, "GET", "/renderd/v1/requests/req-nope", "testtoken", nil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusNotFound)
}

func (s *APISuite) TestCancelUnknownRequest(c *check.C) {
	resp := s.do(c, "POST", "/renderd/v1/requests/req-nope/cancel", "testtoken", nil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusNotFound)
}

func (s *APISuite) TestSubmitRejectsBadParams(c *check.C) {
	resp := s.do(c, "POST", "/renderd/v1/requests", "testtoken", map[string]interface{}{
		"request_id": "req-bad",
	})
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusBadRequest)
}

func (s *APISuite) TestMetricsEndpoint(c *check.C) {
	resp := s.do(c, "GET", "/metrics", "", nil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, check.Equals, http.StatusOK)
	buf, err := io.ReadAll(resp.Body)
	c.Assert(err, check.IsNil)
	c.Check(bytes.Contains(buf, []byte("renderd_requests_active")), check.Equals, true)
}
