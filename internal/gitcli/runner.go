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

// Package gitcli runs the git binary and classifies its failures.
package gitcli

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/fairagro/arcstore/internal/errors"
)

// NewRunner returns a Runner executing git commands in dir.
func NewRunner(dir string) (*Runner, error) {
	const op errors.Op = "gitcli.NewRunner"
	p, err := exec.LookPath("git")
	if err != nil {
		return nil, errors.E(op, errors.Git,
			pkgerrors.Wrap(err, "no 'git' program on path"))
	}

	return &Runner{
		gitPath: p,
		Dir:     dir,
	}, nil
}

// Runner runs git commands in a local git repo.
type Runner struct {
	// Path to the git executable.
	gitPath string

	// Dir is the directory the commands are run in.
	Dir string

	// Env entries appended to the inherited environment, for ex.
	// GIT_TERMINAL_PROMPT=0.
	Env []string
}

type RunResult struct {
	Stdout string
	Stderr string
}

// Run runs a git command.
// Omit the 'git' part of the command.
func (g *Runner) Run(ctx context.Context, args ...string) (RunResult, error) {
	return g.run(ctx, false, args...)
}

// RunVerbose runs a git command and tees the child output to the
// process streams.
func (g *Runner) RunVerbose(ctx context.Context, args ...string) (RunResult, error) {
	return g.run(ctx, true, args...)
}

func (g *Runner) run(ctx context.Context, verbose bool, args ...string) (RunResult, error) {
	const op errors.Op = "gitcli.run"

	cmd := exec.CommandContext(ctx, g.gitPath, args...)
	cmd.Dir = g.Dir
	cmd.Env = append(os.Environ(), g.Env...)

	cmdStdout := &bytes.Buffer{}
	cmdStderr := &bytes.Buffer{}
	if verbose {
		cmd.Stdout = io.MultiWriter(cmdStdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(cmdStderr, os.Stderr)
	} else {
		cmd.Stdout = cmdStdout
		cmd.Stderr = cmdStderr
	}

	err := cmd.Run()
	if err != nil {
		return RunResult{}, errors.E(op, errors.Git, &ExecError{
			Args:   args,
			Err:    err,
			StdOut: cmdStdout.String(),
			StdErr: cmdStderr.String(),
		})
	}
	return RunResult{
		Stdout: cmdStdout.String(),
		Stderr: cmdStderr.String(),
	}, nil
}

type ExecError struct {
	Args   []string
	Err    error
	StdErr string
	StdOut string
}

func (e *ExecError) Error() string {
	b := new(strings.Builder)
	if len(e.Args) > 0 {
		b.WriteString("git ")
		b.WriteString(e.Args[0])
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if e.StdErr != "" {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(e.StdErr))
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
