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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fairagro/arcstore/internal/document"
	"github.com/fairagro/arcstore/internal/errors"
)

func newIngestRunner(ctx context.Context, opts *rootOptions) *ingestRunner {
	r := &ingestRunner{ctx: ctx, opts: opts}
	c := &cobra.Command{
		Use:   "ingest",
		Short: "Run one harvest: ingest crate files and sweep the leftovers",
		Long: `Ingest runs one complete harvest for an RDI. Every named crate file
is stored, changed ARCs are pushed to Git, and ARCs the harvest did not
report are marked missing. Directories are searched for .json files.`,
		Example: "  arcstore ingest --rdi edaphobase ./harvest/",
		Args:    cobra.MinimumNArgs(1),
		RunE:    r.runE,
	}
	r.Command = c

	c.Flags().StringVar(&r.rdi, "rdi", "", "Research data infrastructure the crates came from")
	_ = c.MarkFlagRequired("rdi")
	return r
}

type ingestRunner struct {
	ctx     context.Context
	opts    *rootOptions
	Command *cobra.Command

	rdi string
}

func (r *ingestRunner) runE(cmd *cobra.Command, args []string) error {
	const op errors.Op = "cmd.ingest"

	files, err := collectCrateFiles(args)
	if err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	if len(files) == 0 {
		return errors.E(op, errors.Invalid, fmt.Errorf("no crate files found"))
	}

	s, err := openStores(r.ctx, r.opts)
	if err != nil {
		return err
	}
	defer s.close()

	eng := s.newEngine()
	defer eng.Close()

	harvestID, err := s.docs.OpenHarvest(r.ctx, r.rdi)
	if err != nil {
		return errors.E(op, err)
	}

	seen := map[string]bool{}
	failures := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			failures++
			continue
		}
		res, err := eng.Ingest(r.ctx, r.rdi, data, harvestID)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			failures++
			continue
		}
		seen[res.ArcID] = true
	}

	if err := eng.Flush(r.ctx); err != nil {
		return errors.E(op, err)
	}
	stats, err := eng.FinishHarvest(r.ctx, r.rdi, harvestID, seen)
	if err != nil {
		return errors.E(op, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Harvest %s for RDI %s finished\n", harvestID, r.rdi)
	renderStats(cmd.OutOrStdout(), stats)
	if failures > 0 {
		return errors.E(op, fmt.Errorf("%d of %d crates failed", failures, len(files)))
	}
	return nil
}

// collectCrateFiles expands the path arguments. Directories are walked
// for .json files, glob patterns are expanded, plain files are taken as
// given.
func collectCrateFiles(args []string) ([]string, error) {
	var files []string
	add := func(path string) {
		if strings.EqualFold(filepath.Ext(path), ".json") {
			files = append(files, path)
		}
	}
	for _, arg := range args {
		info, err := os.Stat(arg)
		switch {
		case err == nil && info.IsDir():
			err := filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() {
					add(path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		case err == nil:
			files = append(files, arg)
		default:
			matches, err := filepath.Glob(arg)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no files match %q", arg)
			}
			for _, m := range matches {
				add(m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func renderStats(w io.Writer, stats *document.HarvestStatistics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"SUBMITTED", "NEW", "UPDATED", "UNCHANGED", "MISSING", "ERRORS"})
	t.AppendRow([]interface{}{
		stats.ArcsSubmitted,
		stats.ArcsNew,
		stats.ArcsUpdated,
		stats.ArcsUnchanged,
		stats.ArcsMissing,
		stats.Errors,
	})
	t.Render()
}
