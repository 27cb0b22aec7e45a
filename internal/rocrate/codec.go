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
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairagro/arcstore/internal/errors"
)

// sidecarName matches the bookkeeping file the GitLab backend keeps in
// each repository. It never belongs to the crate.
const sidecarName = ".arc_hash"

// WriteTo renders the crate into dir: the descriptor as
// ro-crate-metadata.json plus every payload file. The descriptor is
// written with sorted keys and two-space indentation so identical crates
// produce identical trees.
func (c *Crate) WriteTo(dir string) error {
	const op errors.Op = "rocrate.WriteTo"

	data, err := json.MarshalIndent(c.content, "", "  ")
	if err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFilename), data, 0o644); err != nil {
		return errors.E(op, errors.Internal, err)
	}

	for rel, content := range c.Files {
		clean, err := safeRelPath(rel)
		if err != nil {
			return errors.E(op, errors.Invalid, err)
		}
		path := filepath.Join(dir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return errors.E(op, errors.Internal, err)
		}
	}
	return nil
}

// ReadFrom loads a crate from dir: the descriptor plus every other
// regular file as payload. Git bookkeeping (.git, .arc_hash) is skipped.
func ReadFrom(dir string) (*Crate, error) {
	const op errors.Op = "rocrate.ReadFrom"

	data, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, fmt.Errorf("no %s in %s", MetadataFilename, dir))
		}
		return nil, errors.E(op, errors.Internal, err)
	}
	crate, err := Parse(data)
	if err != nil {
		return nil, errors.E(op, err)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == MetadataFilename || rel == sidecarName {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if crate.Files == nil {
			crate.Files = map[string][]byte{}
		}
		crate.Files[rel] = content
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return crate, nil
}

// safeRelPath rejects payload paths that would escape the target
// directory.
func safeRelPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty payload path")
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." || filepath.IsAbs(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("payload path %q escapes the crate directory", rel)
	}
	if clean == MetadataFilename || clean == sidecarName {
		return "", fmt.Errorf("payload path %q collides with a reserved file", rel)
	}
	return clean, nil
}
