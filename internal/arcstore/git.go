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

package arcstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/gitcli"
	"github.com/fairagro/arcstore/internal/gitrepo"
	"github.com/fairagro/arcstore/internal/provider"
	"github.com/fairagro/arcstore/internal/rocrate"
)

const (
	defaultBranch    = "main"
	defaultUserName  = "ARC Store"
	defaultUserEmail = "arcstore@fairagro.net"
)

// gitStore drives plain git against a remote, one working copy per
// operation.
type gitStore struct {
	provider      provider.Provider
	branch        string
	userName      string
	userEmail     string
	cloneRoot     string
	lowSpeedLimit int
	lowSpeedTime  int
}

func newGitStore(p provider.Provider, opts Options) *gitStore {
	s := &gitStore{
		provider:      p,
		branch:        opts.Branch,
		userName:      opts.UserName,
		userEmail:     opts.UserEmail,
		cloneRoot:     opts.CloneRoot,
		lowSpeedLimit: opts.HTTPLowSpeedLimit,
		lowSpeedTime:  opts.HTTPLowSpeedTime,
	}
	if s.branch == "" {
		s.branch = defaultBranch
	}
	if s.userName == "" {
		s.userName = defaultUserName
	}
	if s.userEmail == "" {
		s.userEmail = defaultUserEmail
	}
	if s.cloneRoot == "" {
		s.cloneRoot = filepath.Join(os.TempDir(), "arcstore-git")
	}
	return s
}

// open clones the ARC repository into a fresh directory under the
// clone root. The caller owns the working copy and must Close it.
func (s *gitStore) open(ctx context.Context, arcID string) (*gitrepo.WorkingCopy, error) {
	const op errors.Op = "gitstore.open"

	if err := os.MkdirAll(s.cloneRoot, 0o700); err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	dir, err := os.MkdirTemp(s.cloneRoot, arcID+"-")
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	w, err := gitrepo.Open(ctx, dir, gitrepo.Options{
		RemoteURL:         s.provider.RepoURL(arcID, true),
		Branch:            s.branch,
		UserName:          s.userName,
		UserEmail:         s.userEmail,
		HTTPLowSpeedLimit: s.lowSpeedLimit,
		HTTPLowSpeedTime:  s.lowSpeedTime,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return w, nil
}

func (s *gitStore) CreateOrUpdate(ctx context.Context, arcID string, crate *rocrate.Crate) (string, error) {
	const op errors.Op = "gitstore.CreateOrUpdate"

	if err := s.provider.EnsureRepoExists(ctx, arcID); err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}

	staged, err := os.MkdirTemp("", "arcstore-stage-")
	if err != nil {
		return "", errors.E(op, errors.Internal, err)
	}
	defer os.RemoveAll(staged)
	if err := crate.WriteTo(staged); err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}

	w, err := s.open(ctx, arcID)
	if err != nil {
		return "", s.diagnose(ctx, op, arcID, err)
	}
	defer w.Close()

	if err := w.Materialize(staged); err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}
	sha, err := w.CommitAndPush(ctx, fmt.Sprintf("Update ARC %s", arcID))
	if err != nil {
		return "", s.diagnose(ctx, op, arcID, err)
	}
	if sha != "" {
		klog.Infof("Pushed ARC %s (commit %.8s)", arcID, sha)
	}
	return sha, nil
}

func (s *gitStore) Get(ctx context.Context, arcID string) (*rocrate.Crate, error) {
	const op errors.Op = "gitstore.Get"

	w, err := s.open(ctx, arcID)
	if err != nil {
		if gitcli.Classify(err) == gitcli.SeveritySoft {
			return nil, errors.E(op, errors.Resource(arcID), errors.NotExist, err)
		}
		return nil, errors.E(op, errors.Resource(arcID), err)
	}
	defer w.Close()

	crate, err := rocrate.ReadFrom(w.Path)
	if err != nil {
		// A corrupt or foreign repository is treated as absence.
		klog.Warningf("Loading ARC %s from working copy failed: %v", arcID, err)
		return nil, errors.E(op, errors.Resource(arcID), errors.NotExist, err)
	}
	return crate, nil
}

// Delete is unsupported on the CLI path. Removing a remote repository
// needs platform API capabilities.
func (s *gitStore) Delete(ctx context.Context, arcID string) error {
	klog.Warningf("The git backend cannot delete remote repositories, ignoring delete of ARC %s", arcID)
	return nil
}

// Exists probes the remote with ls-remote. It never returns an error:
// anything that prevents the probe counts as absence.
func (s *gitStore) Exists(ctx context.Context, arcID string) (bool, error) {
	if err := gitrepo.LsRemote(ctx, s.provider.RepoURL(arcID, true)); err != nil {
		if gitcli.Classify(err) != gitcli.SeveritySoft {
			klog.V(2).Infof("ls-remote for ARC %s failed: %v", arcID, err)
		}
		return false, nil
	}
	return true, nil
}

func (s *gitStore) CheckHealth(ctx context.Context) error {
	return s.provider.CheckHealth(ctx)
}

// diagnose runs the provider health probe after a non-soft failure so
// the returned error separates "backend unreachable" from an
// operation-specific problem.
func (s *gitStore) diagnose(ctx context.Context, op errors.Op, arcID string, err error) error {
	if gitcli.Classify(err) == gitcli.SeveritySoft {
		return errors.E(op, errors.Resource(arcID), err)
	}
	if herr := s.provider.CheckHealth(ctx); herr != nil {
		klog.Warningf("Git backend unreachable while handling ARC %s: %v", arcID, herr)
		return errors.E(op, errors.Resource(arcID), errors.Transient, fmt.Errorf("backend unreachable: %w", err))
	}
	return errors.E(op, errors.Resource(arcID), err)
}
