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

package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/errors"
)

var tracer = otel.Tracer("provider")

// GitLab manages projects in a GitLab group, one per ARC.
type GitLab struct {
	baseURL string
	group   string
	token   string
	client  *gitlab.Client
}

// NewGitLab returns a provider creating projects under the given group.
// Without a token the provider can still build URLs and probe
// reachability, but never provisions projects.
func NewGitLab(baseURL, group, token string) (*GitLab, error) {
	const op errors.Op = "provider.NewGitLab"

	g := &GitLab{
		baseURL: strings.TrimRight(baseURL, "/"),
		group:   strings.Trim(group, "/"),
		token:   token,
	}
	if token != "" {
		client, err := gitlab.NewClient(token, gitlab.WithBaseURL(g.baseURL))
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		g.client = client
	}
	return g, nil
}

// Client exposes the underlying API client so the REST storage backend
// can share the connection.
func (g *GitLab) Client() *gitlab.Client {
	return g.client
}

// Group returns the configured group path.
func (g *GitLab) Group() string {
	return g.group
}

func (g *GitLab) EnsureRepoExists(ctx context.Context, arcID string) error {
	const op errors.Op = "provider.GitLab.EnsureRepoExists"

	if g.client == nil {
		klog.V(2).Infof("Skipping project creation check for %s (no GitLab token provided)", arcID)
		return nil
	}

	ctx, span := tracer.Start(ctx, "GitLab::EnsureRepoExists", trace.WithAttributes(
		attribute.String("arc_id", arcID),
		attribute.String("group", g.group),
	))
	defer span.End()

	group, _, err := g.client.Groups.GetGroup(g.group, nil, gitlab.WithContext(ctx))
	if err != nil {
		return errors.E(op, errors.Resource(arcID), ClassifyAPIError(err, nil))
	}

	projectPath := fmt.Sprintf("%s/%s", group.FullPath, arcID)
	_, resp, err := g.client.Projects.GetProject(projectPath, nil, gitlab.WithContext(ctx))
	if err == nil {
		klog.V(2).Infof("GitLab project %s already exists", projectPath)
		return nil
	}
	if !IsNotFound(resp) {
		return errors.E(op, errors.Resource(arcID), ClassifyAPIError(err, resp))
	}

	klog.Infof("Creating new GitLab project %s in group %s", arcID, g.group)
	_, _, err = g.client.Projects.CreateProject(&gitlab.CreateProjectOptions{
		Name:                 gitlab.Ptr(arcID),
		Path:                 gitlab.Ptr(arcID),
		NamespaceID:          gitlab.Ptr(group.ID),
		Visibility:           gitlab.Ptr(gitlab.PrivateVisibility),
		InitializeWithReadme: gitlab.Ptr(false),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return errors.E(op, errors.Resource(arcID), ClassifyAPIError(err, nil))
	}
	return nil
}

func (g *GitLab) RepoURL(arcID string, authenticated bool) string {
	url := joinRepoURL(g.baseURL, g.group, arcID)
	if !authenticated {
		return url
	}
	return authenticatedURL(url, g.token)
}

func (g *GitLab) CheckHealth(ctx context.Context) error {
	const op errors.Op = "provider.GitLab.CheckHealth"

	if g.client == nil {
		if err := probe(ctx, g.baseURL); err != nil {
			return errors.E(op, errors.Transient, err)
		}
		return nil
	}
	if _, _, err := g.client.Users.CurrentUser(gitlab.WithContext(ctx)); err != nil {
		return errors.E(op, errors.Transient, err)
	}
	return nil
}

// IsNotFound reports whether an API response is a plain 404.
func IsNotFound(resp *gitlab.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

// ClassifyAPIError maps GitLab API failures onto error kinds: 404 to
// NotExist, 5xx and transport failures to Transient, the rest to Git.
func ClassifyAPIError(err error, resp *gitlab.Response) error {
	if err == nil {
		return nil
	}
	if IsNotFound(resp) {
		return errors.E(errors.NotExist, err)
	}
	if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
		return errors.E(errors.Transient, err)
	}
	if resp == nil {
		// No HTTP response at all means the request never completed.
		msg := strings.ToLower(err.Error())
		for _, m := range []string{"connection refused", "no such host", "timeout", "deadline exceeded", "eof", "503", "502", "500"} {
			if strings.Contains(msg, m) {
				return errors.E(errors.Transient, err)
			}
		}
	}
	return errors.E(errors.Git, err)
}
