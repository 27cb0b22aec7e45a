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

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairagro/arcstore/internal/document"
)

func TestGetMainRegistersCommands(t *testing.T) {
	root := GetMain(context.Background())

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "sweep", "status", "inspect", "note", "health", "version"} {
		assert.True(t, names[want], "command %s is missing", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("v"), "klog verbosity flag")
}

func TestCollectCrateFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	for _, name := range []string{"b.json", "a.JSON", "readme.md", "sub/c.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600))
	}

	t.Run("directory walk", func(t *testing.T) {
		files, err := collectCrateFiles([]string{dir})
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "a.JSON"),
			filepath.Join(dir, "b.json"),
			filepath.Join(dir, "sub", "c.json"),
		}, files)
	})

	t.Run("explicit file skips the extension filter", func(t *testing.T) {
		files, err := collectCrateFiles([]string{filepath.Join(dir, "readme.md")})
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "readme.md")}, files)
	})

	t.Run("glob", func(t *testing.T) {
		files, err := collectCrateFiles([]string{filepath.Join(dir, "*.json")})
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "b.json")}, files)
	})

	t.Run("glob without matches", func(t *testing.T) {
		_, err := collectCrateFiles([]string{filepath.Join(dir, "*.xml")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no files match")
	})
}

func TestRenderCrateTree(t *testing.T) {
	content := map[string]any{
		"@context": "https://w3id.org/ro/crate/1.1/context",
		"@graph": []any{
			map[string]any{"@id": "ro-crate-metadata.json"},
			map[string]any{"@id": "./"},
			map[string]any{"@id": "data/"},
			map[string]any{"@id": "data/samples.csv"},
			map[string]any{"@id": "data/raw/plots.csv"},
			map[string]any{"@id": "README.md"},
			map[string]any{"@id": "https://example.org/elsewhere"},
			map[string]any{"@id": "#creator"},
		},
	}

	var buf bytes.Buffer
	renderCrateTree(&buf, "9f2d8c41", content)
	out := buf.String()

	assert.Contains(t, out, "9f2d8c41")
	assert.Contains(t, out, "ro-crate-metadata.json")
	assert.Contains(t, out, "data")
	assert.Contains(t, out, "samples.csv")
	assert.Contains(t, out, "raw")
	assert.Contains(t, out, "plots.csv")
	assert.Contains(t, out, "README.md")
	assert.NotContains(t, out, "example.org")
	assert.NotContains(t, out, "#creator")
}

func TestIsFilePath(t *testing.T) {
	tests := map[string]bool{
		"data/samples.csv":       true,
		"README.md":              true,
		"data/":                  true,
		"./":                     false,
		"":                       false,
		"ro-crate-metadata.json": false,
		"#creator":               false,
		"/etc/passwd":            false,
		"https://example.org/x":  false,
		"doi:10.5281/zenodo.1":   false,
		"mailto:x@example.org":   false,
	}
	for id, want := range tests {
		assert.Equal(t, want, isFilePath(id), "id %q", id)
	}
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "9f2d8c41", shortHash("9f2d8c41e6a07b35"))
	assert.Equal(t, "abc", shortHash("abc"))
}

func TestStatusFlag(t *testing.T) {
	var f statusFlag
	assert.Equal(t, "status", f.Type())
	assert.Equal(t, "", f.String())

	require.NoError(t, f.Set("missing"))
	assert.Equal(t, document.StatusMissing, f.status)
	assert.Equal(t, "MISSING", f.String())

	require.NoError(t, f.Set("ACTIVE"))
	assert.Equal(t, document.StatusActive, f.status)

	err := f.Set("gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown status "gone"`)
}
