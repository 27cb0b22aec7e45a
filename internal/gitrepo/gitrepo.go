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

// Package gitrepo manages the local working copy the Git CLI backend
// uses for one storage operation. Working copies are scoped resources:
// opened, used, and deleted per operation, never cached across calls.
package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/otiai10/copy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/gitcli"
)

var tracer = otel.Tracer("gitrepo")

// Options configure a working copy.
type Options struct {
	// RemoteURL is the authenticated clone URL. It is never logged;
	// log lines use the redacted form.
	RemoteURL string

	// Branch both sides commit to.
	Branch string

	// Identity applied to the local repository config.
	UserName  string
	UserEmail string

	// HTTP tuning guarding long pushes from spurious default timeouts,
	// applied as http.lowSpeedLimit (bytes/sec) and http.lowSpeedTime
	// (seconds) when positive.
	HTTPLowSpeedLimit int
	HTTPLowSpeedTime  int
}

// WorkingCopy is one local clone scoped to one storage operation.
type WorkingCopy struct {
	// Path is the working tree directory.
	Path string

	runner *gitcli.Runner
	opts   Options
}

// Open prepares a working copy at path: sync an existing clone, clone
// the remote, or initialize a fresh repository when the remote has no
// commits yet. The caller must Close the returned copy.
func Open(ctx context.Context, path string, opts Options) (*WorkingCopy, error) {
	const op errors.Op = "gitrepo.Open"

	ctx, span := tracer.Start(ctx, "WorkingCopy::Open", trace.WithAttributes(
		attribute.String("git.path", path),
		attribute.String("git.remote", Redact(opts.RemoteURL)),
	))
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}

	runner, err := gitcli.NewRunner(path)
	if err != nil {
		return nil, errors.E(op, err)
	}
	w := &WorkingCopy{Path: path, runner: runner}
	w.opts = opts

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		if err := w.syncExisting(ctx); err != nil {
			klog.Warningf("Failed to sync working copy at %s, reinitializing: %v", path, err)
			if err := w.reset(ctx); err != nil {
				return nil, errors.E(op, err)
			}
		}
	} else if err := w.cloneOrInit(ctx); err != nil {
		return nil, errors.E(op, err)
	}

	if err := w.applyConfig(ctx); err != nil {
		return nil, errors.E(op, err)
	}
	return w, nil
}

// Close deletes the working copy directory. Local clones are not cached
// across operations, to bound disk usage under many ARCs.
func (w *WorkingCopy) Close() error {
	return os.RemoveAll(w.Path)
}

// syncExisting re-points origin (credentials may have rotated), fetches
// and hard-resets to the remote branch head.
func (w *WorkingCopy) syncExisting(ctx context.Context) error {
	if _, err := w.runner.Run(ctx, "remote", "set-url", "origin", w.opts.RemoteURL); err != nil {
		if _, err := w.runner.Run(ctx, "remote", "add", "origin", w.opts.RemoteURL); err != nil {
			return err
		}
	}
	if _, err := w.runner.Run(ctx, "fetch", "origin"); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, "checkout", w.opts.Branch); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, "reset", "--hard", "origin/"+w.opts.Branch); err != nil {
		return err
	}
	return nil
}

// reset wipes the directory and starts over with cloneOrInit.
func (w *WorkingCopy) reset(ctx context.Context) error {
	if err := os.RemoveAll(w.Path); err != nil {
		return err
	}
	return w.cloneOrInit(ctx)
}

// cloneOrInit clones the remote branch; when the remote is absent or
// has no commits yet that is not an error, the copy starts from an
// empty local repository pointed at origin.
func (w *WorkingCopy) cloneOrInit(ctx context.Context) error {
	parentRunner := *w.runner
	parentRunner.Dir = filepath.Dir(w.Path)

	_, err := parentRunner.Run(ctx, "clone", "--branch", w.opts.Branch, w.opts.RemoteURL, w.Path)
	if err == nil {
		return nil
	}
	if sev := gitcli.Classify(err); sev != gitcli.SeveritySoft {
		return err
	}
	klog.Infof("Clone failed softly, initializing new repository at %s", w.Path)

	if err := os.MkdirAll(w.Path, 0o755); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, "init"); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, "remote", "add", "origin", w.opts.RemoteURL); err != nil {
		return err
	}
	if _, err := w.runner.Run(ctx, "checkout", "-b", w.opts.Branch); err != nil {
		// Branch may already exist in a half-initialized copy.
		klog.V(2).Infof("Could not create branch %q: %v", w.opts.Branch, err)
	}
	return nil
}

func (w *WorkingCopy) applyConfig(ctx context.Context) error {
	set := func(key, value string) error {
		if value == "" {
			return nil
		}
		_, err := w.runner.Run(ctx, "config", key, value)
		return err
	}
	if err := set("user.name", w.opts.UserName); err != nil {
		return err
	}
	if err := set("user.email", w.opts.UserEmail); err != nil {
		return err
	}
	if w.opts.HTTPLowSpeedLimit > 0 {
		if err := set("http.lowSpeedLimit", strconv.Itoa(w.opts.HTTPLowSpeedLimit)); err != nil {
			return err
		}
	}
	if w.opts.HTTPLowSpeedTime > 0 {
		if err := set("http.lowSpeedTime", strconv.Itoa(w.opts.HTTPLowSpeedTime)); err != nil {
			return err
		}
	}
	return nil
}

// ClearWorktree deletes every entry except the .git directory. The
// backend always overwrites the full tree instead of diffing against
// the previous state.
func (w *WorkingCopy) ClearWorktree() error {
	const op errors.Op = "gitrepo.ClearWorktree"

	entries, err := os.ReadDir(w.Path)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.Path, entry.Name())); err != nil {
			return errors.E(op, errors.Internal, err)
		}
	}
	return nil
}

// Materialize replaces the working tree content with the staged ARC
// directory at src. The .git directory is left untouched. Symlinks in
// the staged tree are skipped.
func (w *WorkingCopy) Materialize(src string) error {
	const op errors.Op = "gitrepo.Materialize"

	if err := w.ClearWorktree(); err != nil {
		return err
	}
	opts := copy.Options{
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			return info.IsDir() && info.Name() == ".git", nil
		},
		OnSymlink: func(src string) copy.SymlinkAction {
			klog.Warningf("Ignoring symlink %q", src)
			return copy.Skip
		},
	}
	if err := copy.Copy(src, w.Path, opts); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// CommitAndPush stages everything, commits and pushes the branch. A
// clean working tree is a no-op returning an empty sha. On success it
// returns the pushed commit sha.
func (w *WorkingCopy) CommitAndPush(ctx context.Context, message string) (string, error) {
	const op errors.Op = "gitrepo.CommitAndPush"

	ctx, span := tracer.Start(ctx, "WorkingCopy::CommitAndPush")
	defer span.End()

	status, err := w.runner.Run(ctx, "status", "--porcelain")
	if err != nil {
		return "", errors.E(op, err)
	}
	if strings.TrimSpace(status.Stdout) == "" {
		klog.Infof("No changes to commit.")
		span.SetAttributes(attribute.Bool("git.dirty", false))
		return "", nil
	}
	span.SetAttributes(attribute.Bool("git.dirty", true))

	if _, err := w.runner.Run(ctx, "add", "-A"); err != nil {
		return "", errors.E(op, err)
	}
	if _, err := w.runner.Run(ctx, "commit", "-m", message); err != nil {
		return "", errors.E(op, err)
	}
	klog.Infof("Pushing changes to remote branch %s", w.opts.Branch)
	if _, err := w.runner.Run(ctx, "push", "-u", "origin", w.opts.Branch); err != nil {
		return "", errors.E(op, err)
	}

	head, err := w.runner.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.E(op, err)
	}
	return strings.TrimSpace(head.Stdout), nil
}

// LsRemote probes the remote for the configured branch without cloning.
func LsRemote(ctx context.Context, remoteURL string) error {
	const op errors.Op = "gitrepo.LsRemote"

	runner, err := gitcli.NewRunner("")
	if err != nil {
		return errors.E(op, err)
	}
	runner.Env = []string{"GIT_TERMINAL_PROMPT=0"}
	if _, err := runner.Run(ctx, "ls-remote", remoteURL, "HEAD"); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Redact strips the userinfo component from a URL for logging.
func Redact(url string) string {
	at := strings.Index(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + url[at+1:]
}
