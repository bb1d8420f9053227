// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/fetch"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/filter"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/proxy"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/samplecache"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/telemetry"
)

func newHandler(t *testing.T, upstream *httptest.Server, rules []filter.RuleInput) *proxy.Handler {
	t.Helper()
	prog, err := filter.Compile(rules)
	require.NoError(t, err)
	return &proxy.Handler{
		Name:    "test",
		Fetcher: fetch.New(http.DefaultClient, upstream.URL, time.Second, 0),
		Program: prog,
		Cache:   samplecache.New(),
	}
}

func TestHandlerDropAllThenKeepCPU(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("node_cpu_seconds_total{cpu=\"0\",mode=\"idle\"} 12.5\nnode_memory_MemFree_bytes 1024\n"))
	}))
	defer upstream.Close()

	h := newHandler(t, upstream, []filter.RuleInput{
		{Regex: ".*", Actions: []filter.ActionInput{{Kind: filter.Drop}}},
		{Regex: "node_cpu_.*", Actions: []filter.ActionInput{{Kind: filter.Keep}}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; version=0.0.4; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "node_cpu_seconds_total")
	assert.NotContains(t, rec.Body.String(), "node_memory_MemFree_bytes")
}

func TestHandlerEmptyUpstreamBodyYieldsEmptyOutput(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h := newHandler(t, upstream, []filter.RuleInput{
		{Regex: ".*", Actions: []filter.ActionInput{{Kind: filter.Keep}}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandlerHelpTypeOnlyYieldsEmptyOutput(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP foo help\n# TYPE foo gauge\n"))
	}))
	defer upstream.Close()

	h := newHandler(t, upstream, []filter.RuleInput{
		{Regex: ".*", Actions: []filter.ActionInput{{Kind: filter.Keep}}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandlerParseFailureReturns502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a valid line {{{\n"))
	}))
	defer upstream.Close()

	h := newHandler(t, upstream, []filter.RuleInput{
		{Regex: ".*", Actions: []filter.ActionInput{{Kind: filter.Keep}}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlerUpstreamTimeoutReturns504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	prog, err := filter.Compile([]filter.RuleInput{{Regex: ".*", Actions: []filter.ActionInput{{Kind: filter.Keep}}}})
	require.NoError(t, err)
	h := &proxy.Handler{
		Name:    "test",
		Fetcher: fetch.New(http.DefaultClient, upstream.URL, 10*time.Millisecond, 0),
		Program: prog,
		Cache:   samplecache.New(),
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandlerUpstreamBadStatusReturns502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h := newHandler(t, upstream, []filter.RuleInput{
		{Regex: ".*", Actions: []filter.ActionInput{{Kind: filter.Keep}}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlerPassthroughWhenNoRuleMatches(t *testing.T) {
	const body = "up 1\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	h := newHandler(t, upstream, []filter.RuleInput{
		{Regex: "never_matches_anything", Actions: []filter.ActionInput{{Kind: filter.Drop}}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String())
}

func TestHandlerCountsCachedVerdictAndObservesUpstreamDuration(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("node_cpu_seconds_total{cpu=\"0\",mode=\"idle\"} 12.5\n"))
	}))
	defer upstream.Close()

	prog, err := filter.Compile([]filter.RuleInput{
		{
			Regex: "node_cpu_.*",
			Actions: []filter.ActionInput{
				{Kind: filter.ReduceTimeResolution, Resolution: time.Hour},
				{Kind: filter.Keep},
			},
		},
	})
	require.NoError(t, err)

	metrics := telemetry.New()
	h := &proxy.Handler{
		Name:    "test",
		Fetcher: fetch.New(http.DefaultClient, upstream.URL, time.Second, 0),
		Program: prog,
		Cache:   samplecache.New(),
		Metrics: metrics,
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SamplesTotal.WithLabelValues("test", "kept")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SamplesTotal.WithLabelValues("test", "cached")))

	var m dto.Metric
	require.NoError(t, metrics.UpstreamRequestDur.WithLabelValues("test").(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
}
