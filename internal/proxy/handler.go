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

// Package proxy implements the per-request orchestration: fetch upstream,
// parse, filter, serialize, respond.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/fetch"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/filter"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/sample"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/samplecache"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/telemetry"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/textfmt"
)

const exposedContentType = "text/plain; version=0.0.4; charset=utf-8"

// Handler is the http.Handler for one ProxyInstance.
type Handler struct {
	Name    string
	Fetcher *fetch.Fetcher
	Program *filter.Program
	Cache   *samplecache.Cache

	// RequestResponseTimeout bounds the entire handler execution. Zero
	// applies no handler-level timeout; cmd/metrics-proxy sets it to the
	// upstream timeout + 5s when the config leaves it unset.
	RequestResponseTimeout time.Duration

	Logger  log.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func (h *Handler) logger() log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.NewNopLogger()
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// ServeHTTP fetches upstream, parses the response, filters it, and writes
// the filtered body back, in that order.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Metrics != nil {
		h.Metrics.ActiveRequests.Inc()
		defer h.Metrics.ActiveRequests.Dec()
	}

	ctx := r.Context()
	if h.RequestResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RequestResponseTimeout)
		defer cancel()
	}

	fetchStart := h.now()
	resp, err := h.Fetcher.Fetch(ctx, h.now)
	h.observeUpstreamDuration(h.now().Sub(fetchStart))
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}

	doc, err := textfmt.Parse(resp.Body)
	if err != nil {
		level.Warn(h.logger()).Log("msg", "parsing upstream response failed", "proxy", h.Name, "err", err)
		h.countOutcome("parse_error")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	out := h.filterDocument(doc)

	w.Header().Set("Content-Type", exposedContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(textfmt.Serialize(out))
	h.countOutcome("ok")
}

// filterDocument runs every sample of every family through the filter
// program, preserving upstream family order and dropping empty families
// along with their HELP/TYPE: a family with zero surviving samples emits
// no metadata at all.
func (h *Handler) filterDocument(doc *textfmt.Document) *textfmt.Document {
	now := h.now()
	out := &textfmt.Document{LeadingComments: doc.LeadingComments}

	for _, fam := range doc.Families {
		var survivors []sample.Sample
		for _, s := range fam.Samples {
			verdict := h.Program.Evaluate(h.Cache, s, now)
			if !verdict.Keep {
				h.countSampleVerdict("dropped")
				continue
			}
			emitted := s
			emitted.Value = verdict.Value
			emitted.Timestamp = verdict.Timestamp
			emitted.HasTimestamp = verdict.HasTimestamp
			survivors = append(survivors, emitted)
			if verdict.CacheHit {
				h.countSampleVerdict("cached")
			} else {
				h.countSampleVerdict("kept")
			}
		}
		if len(survivors) == 0 {
			continue
		}
		out.Families = append(out.Families, sample.Family{
			Name:    fam.Name,
			Help:    fam.Help,
			Type:    fam.Type,
			Samples: survivors,
		})
	}
	return out
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	var fe *fetch.Error
	status := http.StatusBadGateway
	outcome := "upstream_error"
	if errors.As(err, &fe) && fe.Kind == fetch.KindTimeout {
		status = http.StatusGatewayTimeout
		outcome = "timeout"
	}
	level.Warn(h.logger()).Log("msg", "upstream fetch failed", "proxy", h.Name, "err", err)
	h.countOutcome(outcome)
	w.WriteHeader(status)
}

func (h *Handler) countOutcome(outcome string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.UpstreamRequestsTotal.WithLabelValues(h.Name, outcome).Inc()
}

func (h *Handler) countSampleVerdict(verdict string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.SamplesTotal.WithLabelValues(h.Name, verdict).Inc()
}

func (h *Handler) observeUpstreamDuration(d time.Duration) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.UpstreamRequestDur.WithLabelValues(h.Name).Observe(d.Seconds())
}
