/*
Copyright 2026 Damir Manapov

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// ExtractJSON decodes the first top-level JSON object found in benchmark
// output into v. Tools print warnings before and progress noise after the
// document; both are tolerated. The returned error is a trial parse error.
func ExtractJSON(output string, v interface{}) error {
	start := strings.IndexByte(output, '{')
	if start < 0 {
		return trial.NewParseError("no JSON object in benchmark output", output)
	}
	dec := json.NewDecoder(strings.NewReader(output[start:]))
	if err := dec.Decode(v); err != nil {
		return trial.NewParseError("decoding benchmark output: "+err.Error(), output)
	}
	return nil
}

// snippet trims command output for inclusion in an error message.
func snippet(s string) string {
	const max = 300
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// matchFloat applies a regexp with one float capture group to output.
func matchFloat(re *regexp.Regexp, output string) (float64, bool) {
	m := re.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
