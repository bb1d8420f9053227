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

// Package filter compiles and evaluates per-sample label-filter rules.
// Rule shape (SourceLabels, Separator, Regexp, Action) mirrors
// prometheus/model/relabel.Config's fields, the shape used to build
// relabeling rules for scrape configs; the action set here is its own
// closed enum (keep, drop, reduce_time_resolution) rather than relabel's
// replace/labeldrop/labelkeep actions, and matching is done with the
// standard library's regexp directly rather than importing relabel's
// thin wrapper type.
package filter

import (
	"fmt"
	"regexp"
	"time"
)

// ActionKind mirrors config.ActionKind but is resolved (e.g. durations
// parsed to time.Duration) and decoupled from the YAML layer.
type ActionKind int

const (
	Keep ActionKind = iota
	Drop
	ReduceTimeResolution
)

func (k ActionKind) String() string {
	switch k {
	case Keep:
		return "keep"
	case Drop:
		return "drop"
	case ReduceTimeResolution:
		return "reduce_time_resolution"
	default:
		return "unknown"
	}
}

// Action is a closed set of three cases (keep, drop,
// reduce_time_resolution), modeled as a tagged variant rather than an
// interface hierarchy.
type Action struct {
	Kind       ActionKind
	Resolution time.Duration // only meaningful when Kind == ReduceTimeResolution
}

const defaultSeparator = ";"

// Rule is a compiled FilterRule: its regex is anchored at both ends and its
// defaults are resolved.
type Rule struct {
	Regex        *regexp.Regexp
	SourceLabels []string
	Separator    string
	Actions      []Action
}

// Program is the ordered, non-empty list of Rules belonging to one proxy.
type Program struct {
	Rules []Rule
}

// RuleInput is the compiler's view of one YAML label_filters entry, kept
// free of the config package's YAML tags so filter has no dependency on
// internal/config.
type RuleInput struct {
	Regex        string
	SourceLabels []string
	Separator    string
	Actions      []ActionInput
}

// ActionInput is the compiler's view of one action entry.
type ActionInput struct {
	Kind       ActionKind
	Resolution time.Duration
}

// CompileError names the offending rule index.
type CompileError struct {
	RuleIndex int
	Err       error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("label_filters[%d]: %v", e.RuleIndex, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compile validates and pre-compiles a rule sequence into a Program.
func Compile(inputs []RuleInput) (*Program, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("filter program must have at least one rule")
	}
	prog := &Program{Rules: make([]Rule, 0, len(inputs))}

	for i, in := range inputs {
		rule, err := compileRule(in)
		if err != nil {
			return nil, &CompileError{RuleIndex: i, Err: err}
		}
		prog.Rules = append(prog.Rules, rule)
	}
	return prog, nil
}

func compileRule(in RuleInput) (Rule, error) {
	if len(in.Actions) == 0 {
		return Rule{}, fmt.Errorf("actions must be non-empty")
	}

	// Fully anchored: "regex: cpu" must not match "node_cpu_seconds_total".
	re, err := regexp.Compile("^(?:" + in.Regex + ")$")
	if err != nil {
		return Rule{}, fmt.Errorf("compiling regex %q: %w", in.Regex, err)
	}

	sourceLabels := in.SourceLabels
	if len(sourceLabels) == 0 {
		sourceLabels = []string{"__name__"}
	}
	separator := in.Separator
	if separator == "" {
		separator = defaultSeparator
	}

	actions := make([]Action, 0, len(in.Actions))
	for _, a := range in.Actions {
		if a.Kind == ReduceTimeResolution && a.Resolution <= 0 {
			return Rule{}, fmt.Errorf("reduce_time_resolution: resolution must be positive, got %s", a.Resolution)
		}
		actions = append(actions, Action{Kind: a.Kind, Resolution: a.Resolution})
	}

	return Rule{
		Regex:        re,
		SourceLabels: sourceLabels,
		Separator:    separator,
		Actions:      actions,
	}, nil
}
