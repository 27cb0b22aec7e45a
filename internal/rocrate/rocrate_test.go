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

package rocrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairagro/arcstore/internal/errors"
)

const minimalCrate = `{
  "@context": "https://w3id.org/ro/crate/1.1/context",
  "@graph": [
    {
      "@id": "ro-crate-metadata.json",
      "@type": "CreativeWork",
      "about": {"@id": "./"}
    },
    {
      "@id": "./",
      "@type": "Dataset",
      "identifier": "https://doi.org/10.5281/zenodo.1234"
    }
  ]
}`

func TestParseRequiresObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestParseRequiresContext(t *testing.T) {
	_, err := Parse([]byte(`{"@graph": []}`))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestParseMinimalCrate(t *testing.T) {
	crate, err := Parse([]byte(minimalCrate))
	require.NoError(t, err)
	assert.Equal(t, "https://doi.org/10.5281/zenodo.1234", crate.Identifier())
}

func TestExtractIdentifier(t *testing.T) {
	tests := map[string]struct {
		content  map[string]any
		expected string
	}{
		"no graph": {
			content:  map[string]any{"@context": "ctx"},
			expected: UnknownIdentifier,
		},
		"no root entity": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "other"}},
			},
			expected: UnknownIdentifier,
		},
		"string identifier": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "./", "identifier": " doi:10.1/x "}},
			},
			expected: "doi:10.1/x",
		},
		"list identifier takes first": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "./", "identifier": []any{"first", "second"}}},
			},
			expected: "first",
		},
		"empty list": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "./", "identifier": []any{}}},
			},
			expected: UnknownIdentifier,
		},
		"numeric identifier": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "./", "identifier": float64(42)}},
			},
			expected: "42",
		},
		"empty string": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "./", "identifier": ""}},
			},
			expected: UnknownIdentifier,
		},
		"missing identifier member": {
			content: map[string]any{
				"@context": "ctx",
				"@graph":   []any{map[string]any{"@id": "./"}},
			},
			expected: UnknownIdentifier,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractIdentifier(tc.content))
		})
	}
}

func TestValidateWarnsOnMissingRoot(t *testing.T) {
	crate, err := Parse([]byte(`{"@context": "ctx", "@graph": []}`))
	require.NoError(t, err)
	warnings, err := crate.Validate()
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}

func TestValidateWarnsOnMissingGraph(t *testing.T) {
	crate, err := Parse([]byte(`{"@context": "ctx"}`))
	require.NoError(t, err)
	warnings, err := crate.Validate()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "crate has no @graph", warnings[0])
}

func TestValidateRejectsNonListGraph(t *testing.T) {
	crate, err := Parse([]byte(`{"@context": "ctx", "@graph": {"@id": "./"}}`))
	require.NoError(t, err)
	_, err = crate.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "want Invalid, got %v", err)
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	crate, err := Parse([]byte(minimalCrate))
	require.NoError(t, err)
	crate.Files = map[string][]byte{
		"assays/a1/data.csv": []byte("x,y\n1,2\n"),
		"README.md":          []byte("readme\n"),
	}

	dir := t.TempDir()
	require.NoError(t, crate.WriteTo(dir))

	// The descriptor must exist under its well-known name.
	_, err = os.Stat(filepath.Join(dir, MetadataFilename))
	require.NoError(t, err)

	got, err := ReadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, crate.Identifier(), got.Identifier())
	if diff := cmp.Diff(crate.Files, got.Files); diff != "" {
		t.Errorf("payload files differ (-want +got):\n%s", diff)
	}
}

func TestWriteToDeterministic(t *testing.T) {
	crate, err := Parse([]byte(minimalCrate))
	require.NoError(t, err)

	d1, d2 := t.TempDir(), t.TempDir()
	require.NoError(t, crate.WriteTo(d1))
	require.NoError(t, crate.WriteTo(d2))

	b1, err := os.ReadFile(filepath.Join(d1, MetadataFilename))
	require.NoError(t, err)
	b2, err := os.ReadFile(filepath.Join(d2, MetadataFilename))
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestWriteToRejectsEscapingPaths(t *testing.T) {
	crate, err := Parse([]byte(minimalCrate))
	require.NoError(t, err)

	for _, bad := range []string{"../evil", "/abs/path", "a/../../evil", ".arc_hash"} {
		crate.Files = map[string][]byte{bad: []byte("x")}
		err := crate.WriteTo(t.TempDir())
		assert.Error(t, err, "path %q must be rejected", bad)
	}
}

func TestReadFromSkipsGitDir(t *testing.T) {
	crate, err := Parse([]byte(minimalCrate))
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, crate.WriteTo(dir))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".arc_hash"), []byte("ffff"), 0o644))

	got, err := ReadFrom(dir)
	require.NoError(t, err)
	assert.Empty(t, got.Files)
}

func TestReadFromMissingDescriptor(t *testing.T) {
	_, err := ReadFrom(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(errors.NotExist, err))
}
