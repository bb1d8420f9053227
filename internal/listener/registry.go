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

// Package listener implements the bind-tuple registry: it rejects
// duplicate (scheme, host, port, path) tuples at startup and groups
// proxies sharing a (scheme, host, port) into a single listening socket
// with a path-based router.
package listener

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/config"
)

// Entry is one proxy's registration with the listener registry.
type Entry struct {
	Bind                   config.BindTuple
	Handler                http.Handler
	TLSConfig              *tls.Config
	HeaderReadTimeout      time.Duration
	RequestResponseTimeout time.Duration
}

// socketKey groups entries that share a listening socket.
type socketKey struct {
	Scheme, Host, Port string
}

// Group is every proxy multiplexed onto one listening socket.
type Group struct {
	Scheme, Host, Port string
	TLSConfig          *tls.Config
	HeaderReadTimeout  time.Duration
	Mux                *http.ServeMux
}

// Addr is the host:port this group listens on.
func (g *Group) Addr() string {
	return fmt.Sprintf("%s:%s", g.Host, g.Port)
}

// Build validates bind-tuple uniqueness across all entries and groups them
// by (scheme, host, port) into path-routed *Group values. Duplicate bind
// tuples are a structural, non-recoverable fault; Build returns an error
// rather than panicking so the caller can report the offending tuple and
// exit non-zero.
func Build(entries []Entry) ([]*Group, error) {
	seen := map[config.BindTuple]bool{}
	groups := map[socketKey]*Group{}
	var order []socketKey

	for _, e := range entries {
		if seen[e.Bind] {
			return nil, fmt.Errorf("duplicate bind tuple %s", e.Bind)
		}
		seen[e.Bind] = true

		key := socketKey{Scheme: e.Bind.Scheme, Host: e.Bind.Host, Port: e.Bind.Port}
		g, ok := groups[key]
		if !ok {
			g = &Group{
				Scheme:            e.Bind.Scheme,
				Host:              e.Bind.Host,
				Port:              e.Bind.Port,
				TLSConfig:         e.TLSConfig,
				HeaderReadTimeout: e.HeaderReadTimeout,
				Mux:               http.NewServeMux(),
			}
			groups[key] = g
			order = append(order, key)
		}
		if e.TLSConfig != nil {
			g.TLSConfig = e.TLSConfig
		}
		if e.HeaderReadTimeout > g.HeaderReadTimeout {
			g.HeaderReadTimeout = e.HeaderReadTimeout
		}
		g.Mux.Handle(e.Bind.Path, e.Handler)
	}

	result := make([]*Group, 0, len(order))
	for _, key := range order {
		result = append(result, groups[key])
	}
	return result, nil
}
