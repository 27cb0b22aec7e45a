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
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestRunnerVersion(t *testing.T) {
	skipWithoutGit(t)

	r, err := NewRunner(t.TempDir())
	require.NoError(t, err)

	rr, err := r.Run(context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rr.Stdout, "git version"))
}

func TestRunnerCapturesFailure(t *testing.T) {
	skipWithoutGit(t)

	r, err := NewRunner(t.TempDir())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "rev-parse", "HEAD")
	require.Error(t, err)

	var execErr *ExecError
	require.True(t, stderrors.As(err, &execErr))
	assert.Equal(t, []string{"rev-parse", "HEAD"}, execErr.Args)
	assert.NotEmpty(t, execErr.StdErr)
	assert.Equal(t, SeverityFatal, Classify(err))
}

func TestExecErrorMessage(t *testing.T) {
	err := &ExecError{
		Args:   []string{"push", "origin", "main"},
		Err:    stderrors.New("exit status 1"),
		StdErr: "remote: access denied\n",
	}
	assert.Equal(t, "git push: exit status 1: remote: access denied", err.Error())
}
