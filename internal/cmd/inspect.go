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
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/fairagro/arcstore/internal/errors"
	"github.com/fairagro/arcstore/internal/rocrate"
)

func newInspectRunner(ctx context.Context, opts *rootOptions) *inspectRunner {
	r := &inspectRunner{ctx: ctx, opts: opts}
	c := &cobra.Command{
		Use:     "inspect",
		Short:   "Show one ARC: metadata, crate file tree and event log",
		Example: "  arcstore inspect 9f2d8c41e6a07b35",
		Args:    cobra.ExactArgs(1),
		RunE:    r.runE,
	}
	r.Command = c
	return r
}

type inspectRunner struct {
	ctx     context.Context
	opts    *rootOptions
	Command *cobra.Command
}

func (r *inspectRunner) runE(cmd *cobra.Command, args []string) error {
	const op errors.Op = "cmd.inspect"

	s, err := openStores(r.ctx, r.opts)
	if err != nil {
		return err
	}
	defer s.close()

	arcID := args[0]
	doc, err := s.docs.GetDocument(r.ctx, arcID)
	if err != nil {
		return errors.E(op, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:           %s\n", arcID)
	fmt.Fprintf(out, "RDI:          %s\n", doc.RDI)
	fmt.Fprintf(out, "Status:       %s\n", doc.Metadata.Status)
	fmt.Fprintf(out, "Hash:         %s\n", doc.Metadata.ArcHash)
	fmt.Fprintf(out, "First seen:   %s\n", doc.Metadata.FirstSeen.Format(time.RFC3339))
	fmt.Fprintf(out, "Last seen:    %s\n", doc.Metadata.LastSeen.Format(time.RFC3339))
	fmt.Fprintf(out, "Last harvest: %s\n", doc.Metadata.LastHarvestID)
	if doc.Metadata.MissingSince != nil {
		fmt.Fprintf(out, "Missing since: %s\n", doc.Metadata.MissingSince.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Git:          %s", doc.Metadata.Git.Status)
	if doc.Metadata.Git.LastCommitSHA != "" {
		fmt.Fprintf(out, ", commit %s", shortHash(doc.Metadata.Git.LastCommitSHA))
	}
	if doc.Metadata.Git.LastPush != nil {
		fmt.Fprintf(out, ", pushed %s", doc.Metadata.Git.LastPush.Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out)
	renderCrateTree(out, arcID, doc.ArcContent)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Events:")
	for _, ev := range doc.Metadata.Events {
		fmt.Fprintf(out, "  %s  %-22s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
	}
	return nil
}

// renderCrateTree prints the crate's data entities as a file tree. The
// @graph entities whose @id is a relative path are the files the Git
// side stores next to ro-crate-metadata.json.
func renderCrateTree(w io.Writer, root string, content map[string]any) {
	tree := treeprint.New()
	tree.SetValue(root)
	tree.AddNode(rocrate.MetadataFilename)

	graph, _ := content["@graph"].([]any)
	var paths []string
	for _, node := range graph {
		entity, ok := node.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entity["@id"].(string)
		if !isFilePath(id) {
			continue
		}
		paths = append(paths, id)
	}
	sort.Strings(paths)

	branches := map[string]treeprint.Tree{}
	var ensureBranch func(dir string) treeprint.Tree
	ensureBranch = func(dir string) treeprint.Tree {
		if dir == "" || dir == "." {
			return tree
		}
		if b, ok := branches[dir]; ok {
			return b
		}
		parent, name := path.Split(dir)
		b := ensureBranch(strings.TrimSuffix(parent, "/")).AddBranch(name)
		branches[dir] = b
		return b
	}

	for _, p := range paths {
		if strings.HasSuffix(p, "/") {
			ensureBranch(strings.TrimSuffix(p, "/"))
			continue
		}
		dir, name := path.Split(p)
		ensureBranch(strings.TrimSuffix(dir, "/")).AddNode(name)
	}

	fmt.Fprint(w, tree.String())
}

// isFilePath reports whether an @id names a file or directory inside
// the crate rather than the root entity or an external reference.
func isFilePath(id string) bool {
	switch {
	case id == "" || id == "./" || id == rocrate.MetadataFilename:
		return false
	case strings.HasPrefix(id, "#") || strings.HasPrefix(id, "/"):
		return false
	case strings.Contains(id, ":"):
		// URLs, DOIs, mailto references.
		return false
	}
	return true
}
