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
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/hash"
	"github.com/fairagro/arcstore/internal/provider"
	"github.com/fairagro/arcstore/internal/rocrate"
)

// sidecarFile records the last pushed file tree hash inside each
// repository so unchanged ARCs commit nothing.
const sidecarFile = ".arc_hash"

const defaultCommitChunkSize = 100

// gitlabStore writes ARCs through the GitLab commit API without local
// clones.
type gitlabStore struct {
	client    *gitlab.Client
	group     string
	branch    string
	chunkSize int
}

func newGitLabStore(p *provider.GitLab, branch string, chunkSize int) (*gitlabStore, error) {
	const op errors.Op = "arcstore.newGitLabStore"

	if p.Client() == nil {
		return nil, errors.E(op, errors.Invalid, "gitlab API backend requires a token")
	}
	if branch == "" {
		branch = defaultBranch
	}
	if chunkSize <= 0 {
		chunkSize = defaultCommitChunkSize
	}
	return &gitlabStore{
		client:    p.Client(),
		group:     p.Group(),
		branch:    branch,
		chunkSize: chunkSize,
	}, nil
}

func (s *gitlabStore) projectPath(arcID string) string {
	return s.group + "/" + arcID
}

func (s *gitlabStore) findProject(ctx context.Context, arcID string) (*gitlab.Project, error) {
	const op errors.Op = "gitlabstore.findProject"

	project, resp, err := s.client.Projects.GetProject(s.projectPath(arcID), nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, errors.E(op, errors.Resource(arcID), provider.ClassifyAPIError(err, resp))
	}
	return project, nil
}

func (s *gitlabStore) getOrCreateProject(ctx context.Context, arcID string) (*gitlab.Project, error) {
	const op errors.Op = "gitlabstore.getOrCreateProject"

	ctx, span := tracer.Start(ctx, "gitlabStore::getOrCreateProject", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	project, err := s.findProject(ctx, arcID)
	if err == nil {
		klog.V(2).Infof("Found existing project %s (id=%d)", s.projectPath(arcID), project.ID)
		return project, nil
	}
	if !errors.Is(errors.NotExist, err) {
		return nil, err
	}

	group, resp, gerr := s.client.Groups.GetGroup(s.group, nil, gitlab.WithContext(ctx))
	if gerr != nil {
		return nil, errors.E(op, errors.Resource(arcID), provider.ClassifyAPIError(gerr, resp))
	}
	klog.Infof("Creating new GitLab project for ARC %s", arcID)
	project, resp, gerr = s.client.Projects.CreateProject(&gitlab.CreateProjectOptions{
		Name:                 gitlab.Ptr(arcID),
		Path:                 gitlab.Ptr(arcID),
		NamespaceID:          gitlab.Ptr(group.ID),
		Visibility:           gitlab.Ptr(gitlab.PrivateVisibility),
		InitializeWithReadme: gitlab.Ptr(false),
	}, gitlab.WithContext(ctx))
	if gerr != nil {
		return nil, errors.E(op, errors.Resource(arcID), provider.ClassifyAPIError(gerr, resp))
	}
	klog.Infof("Created project %s (id=%d)", s.projectPath(arcID), project.ID)
	return project, nil
}

// loadOldHash fetches the sidecar from the branch. An absent sidecar
// means the ARC was never pushed, reported as "".
func (s *gitlabStore) loadOldHash(ctx context.Context, projectID int) (string, error) {
	const op errors.Op = "gitlabstore.loadOldHash"

	file, resp, err := s.client.RepositoryFiles.GetFile(projectID, sidecarFile, &gitlab.GetFileOptions{
		Ref: gitlab.Ptr(s.branch),
	}, gitlab.WithContext(ctx))
	if err != nil {
		if provider.IsNotFound(resp) {
			klog.V(2).Info("No existing .arc_hash file found in project")
			return "", nil
		}
		return "", errors.E(op, provider.ClassifyAPIError(err, resp))
	}
	raw, err := base64.StdEncoding.DecodeString(file.Content)
	if err != nil {
		return "", errors.E(op, errors.Internal, err)
	}
	old := strings.TrimSpace(string(raw))
	klog.V(2).Infof("Loaded existing ARC hash %.16s", old)
	return old, nil
}

// existingFiles lists every blob path on the branch with a single
// recursive tree walk. A missing branch on a fresh project reads as an
// empty repository.
func (s *gitlabStore) existingFiles(ctx context.Context, projectID int) (map[string]bool, error) {
	const op errors.Op = "gitlabstore.existingFiles"

	files := map[string]bool{}
	opt := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		Ref:         gitlab.Ptr(s.branch),
		Recursive:   gitlab.Ptr(true),
	}
	for {
		nodes, resp, err := s.client.Repositories.ListTree(projectID, opt, gitlab.WithContext(ctx))
		if err != nil {
			if provider.IsNotFound(resp) {
				return files, nil
			}
			return nil, errors.E(op, provider.ClassifyAPIError(err, resp))
		}
		for _, node := range nodes {
			if node.Type == "blob" {
				files[node.Path] = true
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return files, nil
}

// buildActions turns the staged tree into one commit action per file,
// classified as create or update against the existing paths, plus the
// sidecar action carrying the new tree hash. Text files travel inline,
// binary files base64 encoded.
func (s *gitlabStore) buildActions(stagedDir string, existing map[string]bool, oldHash, newHash string) ([]*gitlab.CommitActionOptions, error) {
	const op errors.Op = "gitlabstore.buildActions"

	var actions []*gitlab.CommitActionOptions
	err := filepath.WalkDir(stagedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(stagedDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		action := gitlab.FileCreate
		if existing[rel] {
			action = gitlab.FileUpdate
		}
		opts := &gitlab.CommitActionOptions{
			Action:   gitlab.Ptr(action),
			FilePath: gitlab.Ptr(rel),
		}
		if utf8.Valid(content) {
			opts.Content = gitlab.Ptr(string(content))
		} else {
			opts.Content = gitlab.Ptr(base64.StdEncoding.EncodeToString(content))
			opts.Encoding = gitlab.Ptr("base64")
		}
		actions = append(actions, opts)
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}

	sidecarAction := gitlab.FileCreate
	if oldHash != "" {
		sidecarAction = gitlab.FileUpdate
	}
	actions = append(actions, &gitlab.CommitActionOptions{
		Action:   gitlab.Ptr(sidecarAction),
		FilePath: gitlab.Ptr(sidecarFile),
		Content:  gitlab.Ptr(newHash),
	})
	return actions, nil
}

// commitActions pushes the actions in chunks, one commit per chunk, and
// returns the sha of the last commit. GitLab rejects overly large single
// commits.
func (s *gitlabStore) commitActions(ctx context.Context, projectID int, arcID string, actions []*gitlab.CommitActionOptions) (string, error) {
	const op errors.Op = "gitlabstore.commitActions"

	total := (len(actions) + s.chunkSize - 1) / s.chunkSize
	if total > 1 {
		klog.Infof("Commit for ARC %s is large, splitting into %d chunks (chunk_size=%d)", arcID, total, s.chunkSize)
	}
	var sha string
	for i := 0; i < total; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(actions) {
			end = len(actions)
		}
		message := fmt.Sprintf("Add/update ARC %s", arcID)
		if total > 1 {
			message = fmt.Sprintf("Add/update ARC %s (part %d/%d)", arcID, i+1, total)
		}

		ctx, span := tracer.Start(ctx, "gitlabStore::commitChunk", trace.WithAttributes(
			attribute.String("arc_id", arcID),
			attribute.Int("chunk_num", i+1),
			attribute.Int("chunk_size", end-start),
		))
		commit, resp, err := s.client.Commits.CreateCommit(projectID, &gitlab.CreateCommitOptions{
			Branch:        gitlab.Ptr(s.branch),
			CommitMessage: gitlab.Ptr(message),
			Actions:       actions[start:end],
		}, gitlab.WithContext(ctx))
		span.End()
		if err != nil {
			return "", errors.E(op, errors.Resource(arcID), provider.ClassifyAPIError(err, resp))
		}
		sha = commit.ID
		klog.Infof("Committed chunk %d/%d for ARC %s (commit %.8s)", i+1, total, arcID, commit.ID)
	}
	return sha, nil
}

func (s *gitlabStore) CreateOrUpdate(ctx context.Context, arcID string, crate *rocrate.Crate) (string, error) {
	const op errors.Op = "gitlabstore.CreateOrUpdate"

	ctx, span := tracer.Start(ctx, "gitlabStore::CreateOrUpdate", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	project, err := s.getOrCreateProject(ctx, arcID)
	if err != nil {
		return "", errors.E(op, err)
	}

	staged, err := os.MkdirTemp("", "arcstore-stage-")
	if err != nil {
		return "", errors.E(op, errors.Internal, err)
	}
	defer os.RemoveAll(staged)
	if err := crate.WriteTo(staged); err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}

	newHash, err := hash.Tree(staged)
	if err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}
	oldHash, err := s.loadOldHash(ctx, project.ID)
	if err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}
	if newHash == oldHash {
		klog.Infof("ARC %s unchanged (hash %.16s), skipping commit", arcID, newHash)
		span.SetAttributes(attribute.Bool("changed", false))
		return "", nil
	}
	span.SetAttributes(attribute.Bool("changed", true))

	existing, err := s.existingFiles(ctx, project.ID)
	if err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}
	actions, err := s.buildActions(staged, existing, oldHash, newHash)
	if err != nil {
		return "", errors.E(op, errors.Resource(arcID), err)
	}
	span.SetAttributes(attribute.Int("actions", len(actions)))

	sha, err := s.commitActions(ctx, project.ID, arcID, actions)
	if err != nil {
		return "", errors.E(op, err)
	}
	return sha, nil
}

func (s *gitlabStore) Get(ctx context.Context, arcID string) (*rocrate.Crate, error) {
	const op errors.Op = "gitlabstore.Get"

	ctx, span := tracer.Start(ctx, "gitlabStore::Get", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	project, err := s.findProject(ctx, arcID)
	if err != nil {
		return nil, errors.E(op, err)
	}

	dir, err := os.MkdirTemp("", "arcstore-get-")
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	defer os.RemoveAll(dir)

	if err := s.downloadTo(ctx, project.ID, dir); err != nil {
		return nil, errors.E(op, errors.Resource(arcID), err)
	}
	crate, err := rocrate.ReadFrom(dir)
	if err != nil {
		klog.Warningf("Loading ARC %s from downloaded tree failed: %v", arcID, err)
		return nil, errors.E(op, errors.Resource(arcID), errors.NotExist, err)
	}
	return crate, nil
}

// downloadTo reconstructs the repository tree on disk, skipping the
// sidecar.
func (s *gitlabStore) downloadTo(ctx context.Context, projectID int, dir string) error {
	const op errors.Op = "gitlabstore.downloadTo"

	paths, err := s.existingFiles(ctx, projectID)
	if err != nil {
		return err
	}
	for path := range paths {
		if path == sidecarFile {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(path)) {
			klog.Warningf("Skipping repository path %q", path)
			continue
		}
		file, resp, err := s.client.RepositoryFiles.GetFile(projectID, path, &gitlab.GetFileOptions{
			Ref: gitlab.Ptr(s.branch),
		}, gitlab.WithContext(ctx))
		if err != nil {
			return errors.E(op, provider.ClassifyAPIError(err, resp))
		}
		content, err := base64.StdEncoding.DecodeString(file.Content)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		target := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return errors.E(op, errors.Internal, err)
		}
	}
	return nil
}

func (s *gitlabStore) Delete(ctx context.Context, arcID string) error {
	const op errors.Op = "gitlabstore.Delete"

	ctx, span := tracer.Start(ctx, "gitlabStore::Delete", trace.WithAttributes(
		attribute.String("arc_id", arcID),
	))
	defer span.End()

	project, err := s.findProject(ctx, arcID)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			klog.Warningf("Project %s not found for deletion.", arcID)
			return nil
		}
		return errors.E(op, err)
	}
	if resp, err := s.client.Projects.DeleteProject(project.ID, nil, gitlab.WithContext(ctx)); err != nil {
		return errors.E(op, errors.Resource(arcID), provider.ClassifyAPIError(err, resp))
	}
	klog.Infof("Deleted GitLab project for ARC %s", arcID)
	return nil
}

func (s *gitlabStore) Exists(ctx context.Context, arcID string) (bool, error) {
	const op errors.Op = "gitlabstore.Exists"

	_, err := s.findProject(ctx, arcID)
	if err == nil {
		return true, nil
	}
	if errors.Is(errors.NotExist, err) {
		return false, nil
	}
	return false, errors.E(op, err)
}

func (s *gitlabStore) CheckHealth(ctx context.Context) error {
	const op errors.Op = "gitlabstore.CheckHealth"

	if _, _, err := s.client.Users.CurrentUser(gitlab.WithContext(ctx)); err != nil {
		return errors.E(op, errors.Transient, err)
	}
	return nil
}
