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

// Package textfmt parses and serializes the Prometheus exposition text
// format (see https://prometheus.io/docs/instrumenting/exposition_formats/),
// preserving family ordering and HELP/TYPE metadata across a parse/serialize
// round-trip.
//
// This is a hand-rolled reader rather than a wrapper around
// github.com/prometheus/common/expfmt.TextParser: expfmt's DTO model drops
// upstream sample ordering and fails closed on duplicate metadata in ways
// that make an exact round-trip (parse . serialize . parse == parse)
// difficult to guarantee. The line grammar implemented below is the same
// grammar expfmt parses.
package textfmt

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/sample"
)

// ParseError reports a malformed exposition line. Parsing fails closed: one
// bad line invalidates the entire response.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("textfmt: line %d: %s", e.Line, e.Msg)
}

// Document is the result of a parse: any comment lines that preceded the
// first family, followed by the families themselves in upstream order.
type Document struct {
	LeadingComments []string
	Families        []sample.Family
}

// Parse decodes a Prometheus exposition text document.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	byName := map[string]int{} // metric name -> index into doc.Families

	lines := splitLines(data)
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if err := parseComment(doc, byName, line, lineNo); err != nil {
				return nil, err
			}
			continue
		}
		if err := parseSampleLine(doc, byName, line, lineNo); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func splitLines(data []byte) []string {
	text := string(bytes.TrimRight(data, "\n"))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func parseComment(doc *Document, byName map[string]int, line string, lineNo int) error {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "#"))

	if _, name, ok := cutKeyword(rest, "HELP"); ok {
		parts := strings.SplitN(name, " ", 2)
		metric := parts[0]
		help := ""
		if len(parts) == 2 {
			help = parts[1]
		}
		f := family(doc, byName, metric)
		f.Help = unescapeHelp(help)
		return nil
	}
	if _, name, ok := cutKeyword(rest, "TYPE"); ok {
		parts := strings.SplitN(name, " ", 2)
		metric := parts[0]
		kind := sample.MetricTypeUntyped
		if len(parts) == 2 {
			kind = sample.MetricType(strings.TrimSpace(parts[1]))
		}
		f := family(doc, byName, metric)
		f.Type = kind
		return nil
	}

	// Unknown comment: preserved only if no family has been started yet.
	if len(doc.Families) == 0 {
		doc.LeadingComments = append(doc.LeadingComments, line)
	}
	return nil
}

// cutKeyword reports whether rest begins with "KEYWORD name...", returning
// the remainder after the keyword.
func cutKeyword(rest, keyword string) (string, string, bool) {
	if !strings.HasPrefix(rest, keyword+" ") {
		return rest, "", false
	}
	return rest, strings.TrimSpace(strings.TrimPrefix(rest, keyword+" ")), true
}

func family(doc *Document, byName map[string]int, name string) *sample.Family {
	if idx, ok := byName[name]; ok {
		return &doc.Families[idx]
	}
	// Type is left empty ("no TYPE line seen") rather than defaulted to
	// MetricTypeUntyped, so families with no upstream # TYPE comment don't
	// pick up a TYPE line they never had (writeFamily only emits one when
	// Type != "").
	doc.Families = append(doc.Families, sample.Family{Name: name})
	idx := len(doc.Families) - 1
	byName[name] = idx
	return &doc.Families[idx]
}

func parseSampleLine(doc *Document, byName map[string]int, line string, lineNo int) error {
	name, rest, err := readMetricName(line, lineNo)
	if err != nil {
		return err
	}

	var labels []sample.Label
	rest = strings.TrimLeft(rest, " ")
	if strings.HasPrefix(rest, "{") {
		labels, rest, err = readLabels(rest, lineNo)
		if err != nil {
			return err
		}
	}

	rest = strings.TrimLeft(rest, " ")
	fields := strings.Fields(rest)
	if len(fields) == 0 || len(fields) > 2 {
		return &ParseError{Line: lineNo, Msg: "expected value [timestamp]"}
	}
	value, err := parseFloatValue(fields[0])
	if err != nil {
		return &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid value %q: %v", fields[0], err)}
	}

	s := sample.Sample{MetricName: name, Labels: labels, Value: value}
	if len(fields) == 2 {
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid timestamp %q: %v", fields[1], err)}
		}
		s.Timestamp = ts
		s.HasTimestamp = true
	}

	f := family(doc, byName, name)
	f.Samples = append(f.Samples, s)
	return nil
}

func readMetricName(line string, lineNo int) (name, rest string, err error) {
	i := 0
	for i < len(line) {
		c := line[i]
		if c == '{' || c == ' ' || c == '\t' {
			break
		}
		i++
	}
	if i == 0 {
		return "", "", &ParseError{Line: lineNo, Msg: "missing metric name"}
	}
	return line[:i], line[i:], nil
}

func readLabels(rest string, lineNo int) ([]sample.Label, string, error) {
	if rest[0] != '{' {
		return nil, rest, &ParseError{Line: lineNo, Msg: "expected '{'"}
	}
	rest = rest[1:]
	var labels []sample.Label

	for {
		rest = strings.TrimLeft(rest, " ")
		if strings.HasPrefix(rest, "}") {
			rest = rest[1:]
			return labels, rest, nil
		}
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return nil, "", &ParseError{Line: lineNo, Msg: "malformed label pair"}
		}
		labelName := strings.TrimSpace(rest[:eq])
		rest = strings.TrimLeft(rest[eq+1:], " ")
		if len(rest) == 0 || rest[0] != '"' {
			return nil, "", &ParseError{Line: lineNo, Msg: "label value must be quoted"}
		}
		val, tail, err := readQuoted(rest, lineNo)
		if err != nil {
			return nil, "", err
		}
		labels = append(labels, sample.Label{Name: labelName, Value: val})
		rest = strings.TrimLeft(tail, " ")
		if strings.HasPrefix(rest, ",") {
			rest = rest[1:]
			continue
		}
		if strings.HasPrefix(rest, "}") {
			rest = rest[1:]
			return labels, rest, nil
		}
		return nil, "", &ParseError{Line: lineNo, Msg: "expected ',' or '}' in label set"}
	}
}

func readQuoted(s string, lineNo int) (value, rest string, err error) {
	if len(s) == 0 || s[0] != '"' {
		return "", "", &ParseError{Line: lineNo, Msg: "expected opening quote"}
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == '\\' {
			if i+1 >= len(s) {
				return "", "", &ParseError{Line: lineNo, Msg: "dangling escape"}
			}
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			case 'n':
				b.WriteByte('\n')
			default:
				return "", "", &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid escape \\%c", s[i+1])}
			}
			i += 2
			continue
		}
		if c == '"' {
			return b.String(), s[i+1:], nil
		}
		b.WriteByte(c)
		i++
	}
	return "", "", &ParseError{Line: lineNo, Msg: "unterminated quoted string"}
}

func parseFloatValue(tok string) (float64, error) {
	switch tok {
	case "+Inf", "Inf":
		return math.Inf(1), nil
	case "-Inf":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(tok, 64)
}

func unescapeHelp(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '\\' || s[i+1] == 'n') {
			i++
			if s[i] == 'n' {
				b.WriteByte('\n')
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
