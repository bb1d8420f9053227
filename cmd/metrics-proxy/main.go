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

// Command metrics-proxy is a filtering, caching reverse proxy for
// Prometheus-style metrics endpoints.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/config"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/fetch"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/filter"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/listener"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/proxy"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/samplecache"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/telemetry"
	"github.com/GoogleCloudPlatform/metrics-proxy/internal/tlsconfig"
)

const defaultUpstreamTimeout = 30 * time.Second

func main() {
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	if flag.NArg() != 1 {
		level.Error(logger).Log("msg", "usage: metrics-proxy <config-path>")
		os.Exit(1)
	}
	configPath := flag.Arg(0)

	if err := runServer(logger, configPath); err != nil {
		level.Error(logger).Log("msg", "metrics-proxy exiting", "err", err)
		os.Exit(1)
	}
}

func runServer(logger log.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	metrics := telemetry.New()

	entries, err := buildEntries(logger, metrics, cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics != nil {
		bind, err := config.ParseListenOn(cfg.Metrics.URL)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		var tlsCfg *tls.Config
		if bind.Scheme == "https" {
			tlsCfg, err = tlsconfig.Load(cfg.Metrics.CertificateFile, cfg.Metrics.KeyFile)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
		}
		entries = append(entries, listener.Entry{
			Bind:      bind,
			Handler:   promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{Registry: metrics.Registry}),
			TLSConfig: tlsCfg,
		})
	}

	groups, err := listener.Build(entries)
	if err != nil {
		return fmt.Errorf("building listener registry: %w", err)
	}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received interrupt, shutting down")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	for _, grp := range groups {
		grp := grp
		ln, err := net.Listen("tcp", grp.Addr())
		if err != nil {
			return fmt.Errorf("binding %s://%s: %w", grp.Scheme, grp.Addr(), err)
		}

		server := &http.Server{
			Handler:           grp.Mux,
			TLSConfig:         grp.TLSConfig,
			ReadHeaderTimeout: grp.HeaderReadTimeout,
		}

		g.Add(func() error {
			level.Info(logger).Log("msg", "listening", "scheme", grp.Scheme, "addr", grp.Addr())
			if grp.Scheme == "https" {
				return server.ServeTLS(ln, "", "")
			}
			return server.Serve(ln)
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	return g.Run()
}

// buildEntries compiles each proxy's filter program and wires its fetcher,
// sample cache, and handler into one listener.Entry.
func buildEntries(logger log.Logger, metrics *telemetry.Metrics, cfg *config.Config) ([]listener.Entry, error) {
	entries := make([]listener.Entry, 0, len(cfg.Proxies))

	for i, p := range cfg.Proxies {
		bind, err := config.ParseListenOn(p.ListenOn.URL)
		if err != nil {
			return nil, fmt.Errorf("proxies[%d]: %w", i, err)
		}

		program, err := filter.Compile(toRuleInputs(p.LabelFilters))
		if err != nil {
			return nil, fmt.Errorf("proxies[%d]: %w", i, err)
		}

		timeout := defaultUpstreamTimeout
		if p.ConnectTo.Timeout != nil {
			timeout = time.Duration(*p.ConnectTo.Timeout)
		}
		var cacheDuration time.Duration
		if p.CacheDuration != nil {
			cacheDuration = time.Duration(*p.CacheDuration)
		}

		var tlsCfg *tls.Config
		if bind.Scheme == "https" {
			tlsCfg, err = tlsconfig.Load(p.ListenOn.CertificateFile, p.ListenOn.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("proxies[%d]: %w", i, err)
			}
		}

		name := bind.String()
		fetcher := fetch.New(http.DefaultClient, p.ConnectTo.URL, timeout, cacheDuration)

		requestResponseTimeout := timeout + 5*time.Second
		if p.ListenOn.RequestResponseTimeout != nil {
			requestResponseTimeout = time.Duration(*p.ListenOn.RequestResponseTimeout)
		}
		var headerReadTimeout time.Duration
		if p.ListenOn.HeaderReadTimeout != nil {
			headerReadTimeout = time.Duration(*p.ListenOn.HeaderReadTimeout)
		}

		handler := &proxy.Handler{
			Name:                   name,
			Fetcher:                fetcher,
			Program:                program,
			Cache:                  samplecache.New(),
			RequestResponseTimeout: requestResponseTimeout,
			Logger:                 log.With(logger, "proxy", name),
			Metrics:                metrics,
		}

		entries = append(entries, listener.Entry{
			Bind:                   bind,
			Handler:                handler,
			TLSConfig:              tlsCfg,
			HeaderReadTimeout:      headerReadTimeout,
			RequestResponseTimeout: requestResponseTimeout,
		})
	}
	return entries, nil
}

func toRuleInputs(in []config.LabelFilter) []filter.RuleInput {
	out := make([]filter.RuleInput, len(in))
	for i, lf := range in {
		out[i] = filter.RuleInput{
			Regex:        lf.Regex,
			SourceLabels: lf.SourceLabels,
			Separator:    lf.Separator,
			Actions:      toActionInputs(lf.Actions),
		}
	}
	return out
}

func toActionInputs(in []config.ActionConfig) []filter.ActionInput {
	out := make([]filter.ActionInput, len(in))
	for i, a := range in {
		var kind filter.ActionKind
		switch a.Kind {
		case config.ActionKeep:
			kind = filter.Keep
		case config.ActionDrop:
			kind = filter.Drop
		case config.ActionReduceTimeResolution:
			kind = filter.ReduceTimeResolution
		}
		out[i] = filter.ActionInput{Kind: kind, Resolution: time.Duration(a.Resolution)}
	}
	return out
}
