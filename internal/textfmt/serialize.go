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

package textfmt

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/sample"
)

// Serialize renders families back into exposition text, one family at a
// time in the order given, faithfully reproducing whatever Document it is
// given (including HELP/TYPE-only families with no samples, so that
// parse . serialize . parse stays idempotent on any valid input). Dropping
// zero-survivor families and their HELP/TYPE is the proxy handler's job,
// applied to the Document before it reaches Serialize.
func Serialize(doc *Document) []byte {
	var buf bytes.Buffer
	for _, c := range doc.LeadingComments {
		buf.WriteString(c)
		buf.WriteByte('\n')
	}
	for _, f := range doc.Families {
		writeFamily(&buf, f)
	}
	return buf.Bytes()
}

func writeFamily(buf *bytes.Buffer, f sample.Family) {
	if f.Help != "" {
		fmt.Fprintf(buf, "# HELP %s %s\n", f.Name, escapeHelp(f.Help))
	}
	if f.Type != "" {
		fmt.Fprintf(buf, "# TYPE %s %s\n", f.Name, f.Type)
	}
	for _, s := range f.Samples {
		writeSample(buf, s)
	}
}

func writeSample(buf *bytes.Buffer, s sample.Sample) {
	buf.WriteString(s.MetricName)
	if len(s.Labels) > 0 {
		buf.WriteByte('{')
		for i, l := range s.Labels {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(l.Name)
			buf.WriteString(`="`)
			buf.WriteString(escapeLabelValue(l.Value))
			buf.WriteByte('"')
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(' ')
	buf.WriteString(formatFloatValue(s.Value))
	if s.HasTimestamp {
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(s.Timestamp, 10))
	}
	buf.WriteByte('\n')
}

func formatFloatValue(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func escapeHelp(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}
