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

// Package provider manages remote git repositories on different
// platforms: GitLab-managed, filesystem-bare remotes for local use, and
// static remotes provisioned out of band.
package provider

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/errors"
)

// Provider manages the remote repository of one ARC.
type Provider interface {
	// EnsureRepoExists creates the remote repository when the platform
	// supports provisioning. It is idempotent.
	EnsureRepoExists(ctx context.Context, arcID string) error

	// RepoURL builds the clone URL for an ARC. With authenticated set,
	// platforms carrying a token inject it into the URL userinfo.
	RepoURL(arcID string, authenticated bool) string

	// CheckHealth reports whether the remote platform is reachable.
	CheckHealth(ctx context.Context) error
}

// FromURL selects the provider implementation by inspecting the base
// URL: a file scheme selects the filesystem provider, a GitLab-looking
// URL the GitLab provider, anything else the static provider.
func FromURL(url, group, token string) (Provider, error) {
	const op errors.Op = "provider.FromURL"

	switch {
	case strings.HasPrefix(strings.ToLower(url), "file://"):
		return NewFilesystem(url, group)
	case strings.Contains(strings.ToLower(url), "gitlab"):
		return NewGitLab(url, group, token)
	default:
		if url == "" {
			return nil, errors.E(op, errors.Invalid, fmt.Errorf("git base url is empty"))
		}
		return NewStatic(url, group), nil
	}
}

// joinRepoURL builds <base>/<group>/<arcID>.git.
func joinRepoURL(base, group, arcID string) string {
	return fmt.Sprintf("%s/%s/%s.git", strings.TrimRight(base, "/"), strings.Trim(group, "/"), arcID)
}

// authenticatedURL injects an oauth2 token into the userinfo component
// of an http(s) clone URL. Other schemes are returned unchanged.
func authenticatedURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	safe := neturl.QueryEscape(token)
	switch {
	case strings.HasPrefix(repoURL, "https://"):
		return "https://oauth2:" + safe + "@" + strings.TrimPrefix(repoURL, "https://")
	case strings.HasPrefix(repoURL, "http://"):
		return "http://oauth2:" + safe + "@" + strings.TrimPrefix(repoURL, "http://")
	default:
		return repoURL
	}
}

// probe checks plain HTTP reachability of a base URL.
func probe(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// Static serves any git remote without automated project management.
// The caller is responsible for remote existence out of band.
type Static struct {
	baseURL string
	group   string
	token   string
}

// NewStatic returns a provider for unmanaged remotes.
func NewStatic(baseURL, group string) *Static {
	return &Static{
		baseURL: strings.TrimRight(baseURL, "/"),
		group:   strings.Trim(group, "/"),
	}
}

// WithToken sets the token injected into authenticated URLs.
func (s *Static) WithToken(token string) *Static {
	s.token = token
	return s
}

func (s *Static) EnsureRepoExists(ctx context.Context, arcID string) error {
	return nil
}

func (s *Static) RepoURL(arcID string, authenticated bool) string {
	url := joinRepoURL(s.baseURL, s.group, arcID)
	if !authenticated {
		return url
	}
	return authenticatedURL(url, s.token)
}

func (s *Static) CheckHealth(ctx context.Context) error {
	const op errors.Op = "provider.Static.CheckHealth"
	if err := probe(ctx, s.baseURL); err != nil {
		return errors.E(op, errors.Transient, err)
	}
	return nil
}

// Filesystem serves bare repositories under a local directory, mainly
// for development and tests.
type Filesystem struct {
	baseURL string
	root    string
	group   string
}

// NewFilesystem returns a provider creating bare repositories under the
// path of a file:// base URL.
func NewFilesystem(baseURL, group string) (*Filesystem, error) {
	const op errors.Op = "provider.NewFilesystem"

	u, err := neturl.Parse(baseURL)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if !strings.EqualFold(u.Scheme, "file") {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("filesystem provider needs a file:// url, got %q", baseURL))
	}
	return &Filesystem{
		baseURL: strings.TrimRight(baseURL, "/"),
		root:    u.Path,
		group:   strings.Trim(group, "/"),
	}, nil
}

func (f *Filesystem) repoPath(arcID string) string {
	return filepath.Join(f.root, f.group, arcID+".git")
}

func (f *Filesystem) EnsureRepoExists(ctx context.Context, arcID string) error {
	const op errors.Op = "provider.Filesystem.EnsureRepoExists"

	path := f.repoPath(arcID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	klog.Infof("Creating local bare repository at %s", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if err := initBareRepository(path); err != nil {
		return errors.E(op, errors.Git, err)
	}
	return nil
}

// initBareRepository creates a bare repository with HEAD pointing at
// main. go-git initializes HEAD to master, and a clone of the empty
// repository would stay on a branch that is never pushed.
func initBareRepository(path string) error {
	dot := osfs.New(path)
	storage := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	repo, err := gogit.Init(storage, nil)
	if err != nil {
		return err
	}
	if err := repo.Storer.RemoveReference(plumbing.Master); err != nil {
		return err
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	return repo.Storer.SetReference(head)
}

func (f *Filesystem) RepoURL(arcID string, authenticated bool) string {
	return joinRepoURL(f.baseURL, f.group, arcID)
}

func (f *Filesystem) CheckHealth(ctx context.Context) error {
	const op errors.Op = "provider.Filesystem.CheckHealth"
	if _, err := os.Stat(f.root); err != nil {
		return errors.E(op, errors.NotExist, err)
	}
	return nil
}
