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

// Package arcstore persists ARC file trees in remote Git repositories,
// one repository per ARC. Two backends exist: a git CLI backend that
// works through a local working copy, and a GitLab backend that talks
// to the commit API directly and never clones.
package arcstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/hash"
	"github.com/fairagro/arcstore/internal/provider"
	"github.com/fairagro/arcstore/internal/rocrate"
)

var tracer = otel.Tracer("arcstore")

// Store is the contract every ARC storage backend satisfies.
// CreateOrUpdate returns the sha of the commit it pushed, empty when the
// remote already matched. Get returns a NotExist kind error for unknown
// ARCs. Exists never reports a backend "not found" condition as an
// error.
type Store interface {
	CreateOrUpdate(ctx context.Context, arcID string, crate *rocrate.Crate) (string, error)
	Get(ctx context.Context, arcID string) (*rocrate.Crate, error)
	Delete(ctx context.Context, arcID string) error
	Exists(ctx context.Context, arcID string) (bool, error)
	CheckHealth(ctx context.Context) error
}

// Backend names accepted by New.
const (
	BackendGit    = "git"
	BackendGitLab = "gitlab"
)

// Options selects and configures the storage backend.
type Options struct {
	// Backend picks the implementation, BackendGit by default.
	Backend string
	// URL is the base URL of the git server, e.g. https://gitlab.com
	// or file:///var/lib/arcstore for local bare repositories.
	URL string
	// Group is the namespace the ARC repositories live in.
	Group string
	// Branch defaults to main.
	Branch string
	// Token authenticates pushes and API calls.
	Token string

	// Settings for the git CLI backend.
	UserName          string
	UserEmail         string
	CloneRoot         string
	HTTPLowSpeedLimit int
	HTTPLowSpeedTime  int

	// CommitChunkSize bounds the number of file actions per commit in
	// the GitLab backend.
	CommitChunkSize int
}

// ArcID derives the repository identifier for an ARC from its
// identifier and the research data infrastructure it came from.
func ArcID(identifier, rdi string) string {
	return hash.ArcID(identifier, rdi)
}

// New returns the backend selected by opts, wrapped with tracing and
// error instrumentation.
func New(opts Options) (Store, error) {
	const op errors.Op = "arcstore.New"

	p, err := provider.FromURL(opts.URL, opts.Group, opts.Token)
	if err != nil {
		return nil, errors.E(op, err)
	}
	switch opts.Backend {
	case BackendGit, "":
		return Instrumented(newGitStore(p, opts), "ArcStore"), nil
	case BackendGitLab:
		gl, ok := p.(*provider.GitLab)
		if !ok {
			return nil, errors.E(op, errors.Invalid, fmt.Errorf("backend %q requires a gitlab url, got %q", opts.Backend, opts.URL))
		}
		store, err := newGitLabStore(gl, opts.Branch, opts.CommitChunkSize)
		if err != nil {
			return nil, errors.E(op, err)
		}
		return Instrumented(store, "ArcStore"), nil
	default:
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("unknown storage backend %q", opts.Backend))
	}
}

type instrumented struct {
	inner Store
	name  string
}

// Instrumented wraps a backend so that every operation is traced,
// failures are logged once, and returned errors carry the arc id and
// an error kind.
func Instrumented(inner Store, name string) Store {
	return &instrumented{inner: inner, name: name}
}

func (s *instrumented) CreateOrUpdate(ctx context.Context, arcID string, crate *rocrate.Crate) (string, error) {
	const op errors.Op = "arcstore.CreateOrUpdate"

	ctx, span := tracer.Start(ctx, s.name+"::CreateOrUpdate", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	sha, err := s.inner.CreateOrUpdate(ctx, arcID, crate)
	if err != nil {
		span.RecordError(err)
		klog.Errorf("Creating or updating ARC %s failed: %v", arcID, err)
		return "", wrapStoreError(op, arcID, err, errors.Git)
	}
	span.SetAttributes(attribute.String("commit_sha", sha))
	return sha, nil
}

func (s *instrumented) Get(ctx context.Context, arcID string) (*rocrate.Crate, error) {
	const op errors.Op = "arcstore.Get"

	ctx, span := tracer.Start(ctx, s.name+"::Get", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	crate, err := s.inner.Get(ctx, arcID)
	if err != nil {
		span.SetAttributes(attribute.Bool("found", false))
		if errors.Is(errors.NotExist, err) {
			return nil, wrapStoreError(op, arcID, err, errors.NotExist)
		}
		span.RecordError(err)
		klog.Errorf("Retrieving ARC %s failed: %v", arcID, err)
		return nil, wrapStoreError(op, arcID, err, errors.Git)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return crate, nil
}

func (s *instrumented) Delete(ctx context.Context, arcID string) error {
	const op errors.Op = "arcstore.Delete"

	ctx, span := tracer.Start(ctx, s.name+"::Delete", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	if err := s.inner.Delete(ctx, arcID); err != nil {
		span.RecordError(err)
		klog.Errorf("Deleting ARC %s failed: %v", arcID, err)
		return wrapStoreError(op, arcID, err, errors.Git)
	}
	return nil
}

func (s *instrumented) Exists(ctx context.Context, arcID string) (bool, error) {
	const op errors.Op = "arcstore.Exists"

	ctx, span := tracer.Start(ctx, s.name+"::Exists", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	found, err := s.inner.Exists(ctx, arcID)
	if err != nil {
		span.RecordError(err)
		klog.Errorf("Existence check for ARC %s failed: %v", arcID, err)
		return false, wrapStoreError(op, arcID, err, errors.Git)
	}
	span.SetAttributes(attribute.Bool("exists", found))
	return found, nil
}

func (s *instrumented) CheckHealth(ctx context.Context) error {
	const op errors.Op = "arcstore.CheckHealth"

	ctx, span := tracer.Start(ctx, s.name+"::CheckHealth")
	defer span.End()

	if err := s.inner.CheckHealth(ctx); err != nil {
		span.RecordError(err)
		klog.Warningf("Storage backend health check failed: %v", err)
		return wrapStoreError(op, "", err, errors.Transient)
	}
	return nil
}

// wrapStoreError keeps the inner error kind when one is set and
// applies the fallback otherwise.
func wrapStoreError(op errors.Op, arcID string, err error, fallback errors.Kind) error {
	kind := errors.KindOf(err)
	if kind == errors.Other {
		kind = fallback
	}
	if arcID == "" {
		return errors.E(op, kind, err)
	}
	return errors.E(op, errors.Resource(arcID), kind, err)
}
