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

package trial

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which phase of a trial failed. All kinds listed here
// are recoverable at the study level: the orchestrator converts them to a
// pruned trial and the study moves on to the next suggestion. Anything that
// is not a *Error is treated as a programming or configuration error and
// aborts the study.
type ErrorKind string

const (
	// ErrProvisioning indicates the infrastructure broker could not produce
	// a reachable deployment.
	ErrProvisioning ErrorKind = "provisioning"
	// ErrConfigApply indicates the service configuration could not be
	// applied to the live deployment.
	ErrConfigApply ErrorKind = "config-apply"
	// ErrNotReady indicates the service did not report healthy before the
	// readiness deadline.
	ErrNotReady ErrorKind = "not-ready"
	// ErrBenchmarkExecution indicates the benchmark tool failed or timed out.
	ErrBenchmarkExecution ErrorKind = "benchmark-execution"
	// ErrParse indicates the benchmark tool ran but its output could not be
	// decoded into metrics.
	ErrParse ErrorKind = "parse"
)

// Error is a trial-scoped failure. It is carried on the Result rather than
// propagated, so the orchestrator can apply one retry/prune policy to every
// failure mode.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Detail optionally carries a raw snippet (e.g. unparseable benchmark
	// output) for diagnosis. Not part of the error string.
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a trial error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewParseError creates a parse failure carrying a snippet of the raw output
// that could not be decoded.
func NewParseError(msg, raw string) *Error {
	const snippetLen = 500
	if len(raw) > snippetLen {
		raw = raw[:snippetLen]
	}
	return &Error{Kind: ErrParse, Message: msg, Detail: raw}
}

// AsError extracts a trial error from an error chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsPrunable reports whether the error represents an expected, recoverable
// trial failure rather than a fatal study error.
func IsPrunable(err error) bool {
	_, ok := AsError(err)
	return ok
}
