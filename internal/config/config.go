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

// Package config decodes and validates the metrics-proxy YAML
// configuration: the proxies list, their listen/connect addresses, cache
// durations, and label filter rules.
package config

import (
	"fmt"
	"os"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document.
type Config struct {
	Proxies []ProxyConfig `yaml:"proxies"`
	Metrics *ListenOn     `yaml:"metrics,omitempty"`
}

// ListenOn describes a bind spec: scheme+host+port+path plus optional TLS
// and timeout overrides.
type ListenOn struct {
	URL                    string          `yaml:"url"`
	KeyFile                string          `yaml:"key_file,omitempty"`
	CertificateFile        string          `yaml:"certificate_file,omitempty"`
	HeaderReadTimeout      *model.Duration `yaml:"header_read_timeout,omitempty"`
	RequestResponseTimeout *model.Duration `yaml:"request_response_timeout,omitempty"`
}

// ConnectTo describes the upstream exporter a proxy scrapes.
type ConnectTo struct {
	URL     string          `yaml:"url"`
	Timeout *model.Duration `yaml:"timeout,omitempty"`
}

// ProxyConfig is one entry of the top-level proxies list.
type ProxyConfig struct {
	ListenOn      ListenOn        `yaml:"listen_on"`
	ConnectTo     ConnectTo       `yaml:"connect_to"`
	CacheDuration *model.Duration `yaml:"cache_duration,omitempty"`
	LabelFilters  []LabelFilter   `yaml:"label_filters"`
}

// LabelFilter is one rule of a proxy's filter program: a regex matched
// against a sample's source labels, applying an ordered list of actions.
type LabelFilter struct {
	Regex        string         `yaml:"regex"`
	SourceLabels []string       `yaml:"source_labels,omitempty"`
	Separator    string         `yaml:"separator,omitempty"`
	Actions      []ActionConfig `yaml:"actions"`
}

// ActionKind is the tag of the ActionConfig variant: a closed, small set
// modeled as a tagged variant rather than an interface hierarchy.
type ActionKind string

const (
	ActionKeep                 ActionKind = "keep"
	ActionDrop                 ActionKind = "drop"
	ActionReduceTimeResolution ActionKind = "reduce_time_resolution"
)

// ActionConfig decodes either a bare string ("keep", "drop") or a single-key
// mapping ("reduce_time_resolution: {resolution: 5s}").
type ActionConfig struct {
	Kind       ActionKind
	Resolution model.Duration
}

// UnmarshalYAML implements the bare-string-or-mapping encoding: "keep" and
// "drop" decode as scalars, "reduce_time_resolution" as a single-key
// mapping carrying its resolution.
func (a *ActionConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		switch ActionKind(node.Value) {
		case ActionKeep, ActionDrop:
			a.Kind = ActionKind(node.Value)
			return nil
		default:
			return fmt.Errorf("unknown action %q", node.Value)
		}
	}
	if node.Kind == yaml.MappingNode {
		var raw map[string]struct {
			Resolution model.Duration `yaml:"resolution"`
		}
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("decoding action mapping: %w", err)
		}
		if len(raw) != 1 {
			return fmt.Errorf("action mapping must have exactly one key, got %d", len(raw))
		}
		for k, v := range raw {
			switch ActionKind(k) {
			case ActionReduceTimeResolution:
				a.Kind = ActionReduceTimeResolution
				a.Resolution = v.Resolution
				return nil
			case ActionKeep, ActionDrop:
				a.Kind = ActionKind(k)
				return nil
			default:
				return fmt.Errorf("unknown action %q", k)
			}
		}
	}
	return fmt.Errorf("action must be a string or single-key mapping")
}

// Load reads and decodes the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("config %s: proxies must be non-empty", path)
	}
	return &cfg, nil
}
