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

// Package sample holds the canonical in-memory representation of a
// Prometheus exposition sample and its identity.
package sample

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MetricName is the reserved label name that aliases a sample's metric name
// for the purposes of filter rule matching.
const MetricName = "__name__"

// Label is a single name/value pair. Order within a Sample's Labels slice is
// preserved from the upstream response and used only for serialization.
type Label struct {
	Name  string
	Value string
}

// MetricType enumerates the Prometheus TYPE annotations.
type MetricType string

const (
	MetricTypeUnknown   MetricType = "unknown"
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
	MetricTypeSummary   MetricType = "summary"
	MetricTypeUntyped   MetricType = "untyped"
)

// Sample is the tuple (metric_name, labels, value, timestamp?) from spec
// section 3. HasTimestamp distinguishes "no timestamp" from timestamp zero.
type Sample struct {
	MetricName   string
	Labels       []Label
	Value        float64
	Timestamp    int64
	HasTimestamp bool
}

// Get returns the value of the named label, or "" if absent. MetricName
// resolves via the __name__ alias.
func (s Sample) Get(name string) string {
	if name == MetricName {
		return s.MetricName
	}
	for _, l := range s.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

// Identity is the hashable (metric_name, sorted label set) pair used to key
// the sample cache. Two samples with the same labels in different orders
// share an Identity.
type Identity struct {
	MetricName string
	labelsKey  string
}

// NewIdentity builds the Identity for a sample. Label order does not affect
// the result: labels are sorted by name before hashing.
func NewIdentity(metricName string, labels []Label) Identity {
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	// Every name and value is length-prefixed, so this concatenation cannot
	// collide across differently-shaped label sets, whatever bytes the label
	// names and values contain.
	var buf []byte
	for _, l := range sorted {
		buf = strconv.AppendInt(buf, int64(len(l.Name)), 10)
		buf = append(buf, ':')
		buf = append(buf, l.Name...)
		buf = strconv.AppendInt(buf, int64(len(l.Value)), 10)
		buf = append(buf, ':')
		buf = append(buf, l.Value...)
	}
	return Identity{MetricName: metricName, labelsKey: string(buf)}
}

// IdentityOf is a convenience wrapper around NewIdentity for a Sample.
func IdentityOf(s Sample) Identity {
	return NewIdentity(s.MetricName, s.Labels)
}

// Hash returns an order-independent hash of the identity, suitable for
// sharding a striped lock map.
func (id Identity) Hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(id.MetricName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(id.labelsKey)
	return h.Sum64()
}

// Family groups samples sharing a metric name, as spec section 3 defines.
type Family struct {
	Name    string
	Help    string
	Type    MetricType
	Samples []Sample
}
