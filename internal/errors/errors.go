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

// Package errors defines the error handling used by the arcstore codebase.
package errors

import (
	stderrors "errors"
	"strings"
)

// Error is an implementation of the error interface used in the arcstore
// codebase.
// It is based on the design in https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html
type Error struct {
	// Resource identifies the object involved in the operation,
	// usually an ARC id or a document id.
	Resource Resource

	// Op is the operation being performed, for ex. docstore.StoreARC,
	// gitlab.CreateOrUpdate.
	Op Op

	// Kind refers to the class of error.
	Kind Kind

	// Err refers to the wrapped error (if any).
	Err error
}

func (e *Error) Error() string {
	b := new(strings.Builder)

	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(string(e.Op))
	}

	if e.Resource != "" {
		pad(b, ": ")
		b.WriteString("arc ")
		b.WriteString(string(e.Resource))
	}

	if e.Kind != 0 {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}

	if e.Err != nil {
		if wrappedErr, ok := e.Err.(*Error); ok {
			if !wrappedErr.Zero() {
				pad(b, ":\n\t")
				b.WriteString(wrappedErr.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// pad appends given str to the string buffer.
func pad(b *strings.Builder, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Zero() bool {
	return e.Op == "" && e.Resource == "" && e.Kind == 0 && e.Err == nil
}

// Unwrap makes Error work with the stdlib errors.Is/As chain walking.
func (e *Error) Unwrap() error {
	return e.Err
}

// Op describes the operation being performed.
type Op string

// Resource identifies the object an operation acts on.
type Resource string

// Kind describes the class of errors encountered.
type Kind int

const (
	Other      Kind = iota // Unclassified. Will not be printed.
	Exist                  // Item already exists.
	NotExist               // Item does not exist.
	Internal               // Internal error.
	Invalid                // Input failed validation.
	Permission             // Caller is not allowed to act on the resource.
	Git                    // Errors from the Git storage backend.
	DocStore               // Errors from the document store.
	Transient              // Temporary failure, safe to retry.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Exist:
		return "item already exists"
	case NotExist:
		return "item does not exist"
	case Internal:
		return "internal error"
	case Invalid:
		return "invalid input"
	case Permission:
		return "permission denied"
	case Git:
		return "git error"
	case DocStore:
		return "document store error"
	case Transient:
		return "transient error"
	}
	return "unknown kind"
}

func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E must have at least one argument")
	}

	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Resource:
			e.Resource = a
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		case string:
			e.Err = stderrors.New(a)
		default:
			panic("unknown type in call to errors.E")
		}
	}

	wrappedErr, ok := e.Err.(*Error)
	if !ok {
		return e
	}

	if e.Resource == wrappedErr.Resource {
		wrappedErr.Resource = ""
	}

	if e.Op == wrappedErr.Op {
		wrappedErr.Op = ""
	}

	if e.Kind == wrappedErr.Kind {
		wrappedErr.Kind = 0
	}

	return e
}

// Is reports whether any error in err's chain carries the given kind.
// An Error with kind Other defers to the error it wraps.
func Is(kind Kind, err error) bool {
	for err != nil {
		e, ok := err.(*Error)
		if !ok {
			return false
		}
		if e.Kind != Other {
			return e.Kind == kind
		}
		err = e.Err
	}
	return false
}

// KindOf returns the outermost classified kind in err's chain, or Other.
func KindOf(err error) Kind {
	for err != nil {
		e, ok := err.(*Error)
		if !ok {
			return Other
		}
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	return Other
}
