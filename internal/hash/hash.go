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

// Package hash computes the content and tree digests that drive change
// detection, and derives ARC identifiers.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fairagro/arcstore/internal/errors"
)

// treeChunkSize is the read size used when streaming file contents
// into the tree digest.
const treeChunkSize = 8192

// sidecarName is the bookkeeping file some backends store next to the
// ARC content. It never participates in tree hashing.
const sidecarName = ".arc_hash"

// Content returns the SHA-256 of the canonical JSON encoding of v as
// lowercase hex. Object keys are emitted in sorted order, so two maps
// with the same entries hash identically regardless of insertion order.
func Content(v any) (string, error) {
	const op errors.Op = "hash.Content"
	// encoding/json sorts map keys, which is exactly the canonical
	// form change detection needs.
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.E(op, errors.Invalid, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Tree returns the SHA-256 over the contents of every regular file under
// dir, fed in sorted relative-path order, as lowercase hex. Contents are
// streamed in fixed-size chunks so large payload files do not get loaded
// into memory. The .arc_hash sidecar is skipped.
func Tree(dir string) (string, error) {
	const op errors.Op = "hash.Tree"

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == sidecarName {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", errors.E(op, errors.Internal, err)
	}
	sort.Strings(paths)

	sha := sha256.New()
	buf := make([]byte, treeChunkSize)
	for _, rel := range paths {
		if err := hashFile(sha, filepath.Join(dir, filepath.FromSlash(rel)), buf); err != nil {
			return "", errors.E(op, errors.Internal, err)
		}
	}
	return hex.EncodeToString(sha.Sum(nil)), nil
}

func hashFile(w io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(w, f, buf)
	return err
}

// ArcID derives the stable identifier for an ARC from the crate
// identifier and the RDI it was harvested from. The derivation is
// sha256("<identifier>:<rdi>") in lowercase hex and must never change,
// as it names documents and Git repositories.
func ArcID(identifier, rdi string) string {
	sum := sha256.Sum256([]byte(identifier + ":" + rdi))
	return hex.EncodeToString(sum[:])
}
