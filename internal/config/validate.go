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

package config

import (
	"fmt"
	"net/url"
)

// BindTuple is the (scheme, host, port, path) uniqueness key every
// listen_on address is checked against.
type BindTuple struct {
	Scheme, Host, Port, Path string
}

func (b BindTuple) String() string {
	return fmt.Sprintf("%s://%s:%s%s", b.Scheme, b.Host, b.Port, b.Path)
}

// ParseListenOn validates a listen_on URL: scheme must be http or https,
// port is required, and fragment/query/userinfo are all rejected.
func ParseListenOn(raw string) (BindTuple, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return BindTuple{}, fmt.Errorf("invalid listen_on url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return BindTuple{}, fmt.Errorf("listen_on url %q: scheme must be http or https", raw)
	}
	if u.Port() == "" {
		return BindTuple{}, fmt.Errorf("listen_on url %q: port is required", raw)
	}
	if u.Fragment != "" {
		return BindTuple{}, fmt.Errorf("listen_on url %q: fragment is not allowed", raw)
	}
	if u.RawQuery != "" {
		return BindTuple{}, fmt.Errorf("listen_on url %q: query is not allowed", raw)
	}
	if u.User != nil {
		return BindTuple{}, fmt.Errorf("listen_on url %q: userinfo is not allowed", raw)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return BindTuple{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port(), Path: path}, nil
}

// ParseConnectTo validates a connect_to URL: scheme must be http or https,
// with no fragment or userinfo.
func ParseConnectTo(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connect_to url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("connect_to url %q: scheme must be http or https", raw)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("connect_to url %q: fragment is not allowed", raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("connect_to url %q: userinfo is not allowed", raw)
	}
	return u, nil
}

// Validate checks the whole configuration: per-proxy bind/connect specs,
// TLS presence, and global bind-tuple uniqueness across all listeners.
func Validate(cfg *Config) error {
	seen := map[BindTuple]int{}

	for i, p := range cfg.Proxies {
		bind, err := ParseListenOn(p.ListenOn.URL)
		if err != nil {
			return fmt.Errorf("proxies[%d]: %w", i, err)
		}
		if other, ok := seen[bind]; ok {
			return fmt.Errorf("proxies[%d] and proxies[%d]: duplicate bind tuple %s", other, i, bind)
		}
		seen[bind] = i

		if bind.Scheme == "https" {
			if p.ListenOn.CertificateFile == "" || p.ListenOn.KeyFile == "" {
				return fmt.Errorf("proxies[%d]: https listener requires both key_file and certificate_file", i)
			}
		} else if p.ListenOn.CertificateFile != "" || p.ListenOn.KeyFile != "" {
			return fmt.Errorf("proxies[%d]: http listener must not carry TLS parameters", i)
		}

		if _, err := ParseConnectTo(p.ConnectTo.URL); err != nil {
			return fmt.Errorf("proxies[%d]: %w", i, err)
		}

		if len(p.LabelFilters) == 0 {
			return fmt.Errorf("proxies[%d]: label_filters must be non-empty", i)
		}
	}

	if cfg.Metrics != nil {
		bind, err := ParseListenOn(cfg.Metrics.URL)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if other, ok := seen[bind]; ok {
			return fmt.Errorf("proxies[%d] and metrics: duplicate bind tuple %s", other, bind)
		}
	}
	return nil
}
