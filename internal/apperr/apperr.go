// Copyright 2025 The SBN Software authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr defines the error taxonomy shared by the archiver stages.
//
// Stages classify failures into three behavioural families: retriable errors
// (anything wrapped in *Error or returned plain), the permanent-skip sentinel
// which aborts the per-run retry loop immediately, and lock contention which
// is an operator condition rather than a fault.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPermanentSkip instructs the stage executor to stop retrying a run
// immediately and record it as failed. Clients return it (wrapped) when they
// classify a downstream error as non-retriable, and the fault-injection
// knobs use it to model that class in tests.
var ErrPermanentSkip = errors.New("permanent skip")

// ErrLockHeld is returned when another archiver instance holds the process
// lock. It exits with code 1 and a warning, not a stack trace.
var ErrLockHeld = errors.New("lock already held")

// ConfigError is fatal before any work begins: missing required settings,
// malformed YAML, or a reference cycle in config expansion.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Msg
}

// Configf builds a *ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Error annotates a stage failure with the stage name, run number, and a
// free-form context map used only for diagnostics.
type Error struct {
	Stage   string
	Run     int
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		fmt.Fprintf(&b, "[%s] ", e.Stage)
	}
	if e.Run > 0 {
		fmt.Fprintf(&b, "[run %d] ", e.Run)
	}
	b.WriteString(e.Err.Error())
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Context[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches stage/run context to err. A nil err returns nil.
func Wrap(err error, stage string, run int) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Run: run, Err: err}
}

// IsPermanentSkip reports whether err carries the permanent-skip sentinel.
func IsPermanentSkip(err error) bool {
	return errors.Is(err, ErrPermanentSkip)
}
