// Copyright 2025 The arcstore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitcli

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/fairagro/arcstore/internal/errors"
)

// Severity classifies a failed git invocation.
type Severity int

const (
	// SeverityNone means no error.
	SeverityNone Severity = iota
	// SeveritySoft means the remote or ref is absent. Callers probing
	// for existence treat this as a negative answer, not a failure.
	SeveritySoft
	// SeverityTransient means the failure is environmental and a retry
	// may succeed.
	SeverityTransient
	// SeverityFatal means retrying will not help.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeveritySoft:
		return "soft"
	case SeverityTransient:
		return "transient"
	case SeverityFatal:
		return "fatal"
	}
	return "unknown"
}

// Kind maps a severity to the error kind backends report.
func (s Severity) Kind() errors.Kind {
	switch s {
	case SeveritySoft:
		return errors.NotExist
	case SeverityTransient:
		return errors.Transient
	case SeverityFatal:
		return errors.Git
	}
	return errors.Other
}

// The match tables are ordered. Soft conditions are checked before
// transient ones so that, for example, a missing remote ref is never
// retried just because the server also said "try again".
var softMatches = []string{
	"not found",
	"does not exist",
	"does not appear to be a git repository",
	"no such file or directory",
	"couldn't find remote ref",
	"repository is empty",
}

var transientMatches = []string{
	"could not resolve host",
	"connection refused",
	"connection timed out",
	"operation timed out",
	"timeout",
	"early eof",
	"the remote end hung up unexpectedly",
	"rpc failed",
	"503",
	"502",
	"500",
	"temporarily unavailable",
	"try again",
}

// Classify inspects a git failure and decides how callers should react.
// The decision is substring matching over the error text and any
// captured git output, case-insensitive, soft matches first.
func Classify(err error) Severity {
	if err == nil {
		return SeverityNone
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return SeverityTransient
	}

	text := err.Error()
	var execErr *ExecError
	if stderrors.As(err, &execErr) {
		text = strings.Join([]string{text, execErr.StdOut, execErr.StdErr}, "\n")
	}
	text = strings.ToLower(text)

	for _, m := range softMatches {
		if strings.Contains(text, m) {
			return SeveritySoft
		}
	}
	for _, m := range transientMatches {
		if strings.Contains(text, m) {
			return SeverityTransient
		}
	}
	return SeverityFatal
}
