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

package filter

import (
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/sample"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/samplecache"
)

// Verdict is the outcome of running a Program against one Sample.
type Verdict struct {
	Keep         bool
	Value        float64
	Timestamp    int64
	HasTimestamp bool

	// CacheHit is true when a reduce_time_resolution action substituted a
	// cached value/timestamp for this sample, rather than serving the
	// sample as fetched.
	CacheHit bool
}

// Evaluate walks the program's rules in order against s, consulting cache
// for any reduce_time_resolution actions. Later rules override earlier
// verdicts; reduce_time_resolution never changes the verdict by itself; a
// sample can be cache-serving while still dropped by a later rule, and
// the cache is still updated in that case.
func (p *Program) Evaluate(cache *samplecache.Cache, s sample.Sample, now time.Time) Verdict {
	verdict := true
	value, timestamp, hasTimestamp := s.Value, s.Timestamp, s.HasTimestamp
	cacheHit := false

	id := sample.IdentityOf(s)

	for _, rule := range p.Rules {
		key := buildKey(rule, s)
		if !rule.Regex.MatchString(key) {
			continue
		}
		for _, action := range rule.Actions {
			switch action.Kind {
			case Keep:
				verdict = true
			case Drop:
				verdict = false
			case ReduceTimeResolution:
				fresh, hit := cache.GetFreshOrPut(id, action.Resolution, now, s.Value, s.Timestamp, s.HasTimestamp)
				if hit {
					value, timestamp, hasTimestamp = fresh.Value, fresh.Timestamp, fresh.HasTimestamp
					cacheHit = true
				}
			}
		}
	}

	return Verdict{Keep: verdict, Value: value, Timestamp: timestamp, HasTimestamp: hasTimestamp, CacheHit: cacheHit}
}

// buildKey concatenates the named source labels, in listed order, with the
// rule's separator. Missing labels contribute the empty string; duplicates
// in source_labels concatenate with repeats rather than deduplicating.
func buildKey(rule Rule, s sample.Sample) string {
	if len(rule.SourceLabels) == 1 {
		return s.Get(rule.SourceLabels[0])
	}
	values := make([]string, len(rule.SourceLabels))
	for i, name := range rule.SourceLabels {
		values[i] = s.Get(name)
	}
	return strings.Join(values, rule.Separator)
}
