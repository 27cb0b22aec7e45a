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

// Package rocrate decodes RO-Crate JSON, extracts the crate identifier
// and renders crates to and from directories for the Git backends.
package rocrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairagro/arcstore/internal/errors"
)

// MetadataFilename is the well-known name of the crate descriptor file.
const MetadataFilename = "ro-crate-metadata.json"

// Crate is one decoded RO-Crate. Content holds the descriptor object;
// Files holds additional payload files by slash-separated relative path.
type Crate struct {
	content map[string]any

	// Files carries payload files staged next to the descriptor,
	// relative path to content.
	Files map[string][]byte
}

// Parse decodes RO-Crate JSON. The input must be a JSON object carrying
// an @context member; numbers are kept in their source representation so
// hashing does not depend on float formatting.
func Parse(data []byte) (*Crate, error) {
	const op errors.Op = "rocrate.Parse"

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var content map[string]any
	if err := dec.Decode(&content); err != nil {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("not a JSON object: %w", err))
	}
	return FromContent(content)
}

// FromContent wraps an already decoded crate object, for ex. content
// read back from the document store.
func FromContent(content map[string]any) (*Crate, error) {
	const op errors.Op = "rocrate.FromContent"

	if content == nil {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("crate content is empty"))
	}
	if _, ok := content["@context"]; !ok {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("crate has no @context"))
	}
	return &Crate{content: content, Files: map[string][]byte{}}, nil
}

// Content returns the decoded descriptor object.
func (c *Crate) Content() map[string]any {
	return c.content
}

// Identifier extracts the crate identifier, see ExtractIdentifier.
func (c *Crate) Identifier() string {
	return ExtractIdentifier(c.content)
}

// UnknownIdentifier is returned when a crate carries no usable
// identifier in its root data entity.
const UnknownIdentifier = "unknown"

// ExtractIdentifier walks @graph for the root data entity ("@id": "./")
// and returns its identifier member. List values yield their first
// element. Crates without a usable identifier yield UnknownIdentifier,
// never an error; missing identifiers are a data-quality problem, not a
// reason to drop the harvested record.
func ExtractIdentifier(content map[string]any) string {
	graph, ok := content["@graph"].([]any)
	if !ok {
		return UnknownIdentifier
	}
	for _, node := range graph {
		item, ok := node.(map[string]any)
		if !ok {
			continue
		}
		if item["@id"] != "./" {
			continue
		}
		return scalarIdentifier(item["identifier"])
	}
	return UnknownIdentifier
}

func scalarIdentifier(v any) string {
	switch id := v.(type) {
	case string:
		if s := strings.TrimSpace(id); s != "" {
			return s
		}
	case json.Number:
		return id.String()
	case float64, int, int64, bool:
		return fmt.Sprint(id)
	case []any:
		if len(id) > 0 {
			return scalarIdentifier(id[0])
		}
	}
	return UnknownIdentifier
}

// Validate reports structural problems with the crate. The returned
// warnings do not block ingestion; a non-nil error does.
func (c *Crate) Validate() ([]string, error) {
	const op errors.Op = "rocrate.Validate"

	if _, ok := c.content["@context"]; !ok {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("crate has no @context"))
	}
	var warnings []string
	raw, present := c.content["@graph"]
	if !present {
		warnings = append(warnings, "crate has no @graph")
		return warnings, nil
	}
	graph, ok := raw.([]any)
	if !ok {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("crate @graph is not a list"))
	}
	root := false
	for _, node := range graph {
		if item, ok := node.(map[string]any); ok && item["@id"] == "./" {
			root = true
			break
		}
	}
	if !root {
		warnings = append(warnings, "crate has no root data entity (@id \"./\")")
	}
	return warnings, nil
}
