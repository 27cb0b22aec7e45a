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
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fairagro/arcstore/internal/document"
	"github.com/fairagro/arcstore/internal/errors"
)

func newStatusRunner(ctx context.Context, opts *rootOptions) *statusRunner {
	r := &statusRunner{ctx: ctx, opts: opts}
	c := &cobra.Command{
		Use:     "status",
		Short:   "List tracked ARCs and their lifecycle state",
		Long:    "Status lists every tracked ARC, or only the ones named as arguments.",
		Example: "  arcstore status\n  arcstore status --status missing\n  arcstore status 9f2d8c41e6a07b35",
		RunE:    r.runE,
	}
	c.Flags().Var(&r.status, "status", "only list ARCs in this lifecycle state (active, processing, missing, deleted, invalid)")
	r.Command = c
	return r
}

type statusRunner struct {
	ctx     context.Context
	opts    *rootOptions
	Command *cobra.Command

	status statusFlag
}

// statusFlag narrows the listing to one lifecycle state. State names
// are accepted case insensitively.
type statusFlag struct {
	status document.Status
}

var _ pflag.Value = (*statusFlag)(nil)

func (f *statusFlag) String() string {
	return string(f.status)
}

func (f *statusFlag) Set(v string) error {
	s := document.Status(strings.ToUpper(v))
	switch s {
	case document.StatusActive, document.StatusProcessing, document.StatusMissing,
		document.StatusDeleted, document.StatusInvalid:
		f.status = s
		return nil
	default:
		return fmt.Errorf("unknown status %q", v)
	}
}

func (f *statusFlag) Type() string {
	return "status"
}

func (r *statusRunner) runE(cmd *cobra.Command, args []string) error {
	const op errors.Op = "cmd.status"

	s, err := openStores(r.ctx, r.opts)
	if err != nil {
		return err
	}
	defer s.close()

	ids := args
	if len(ids) == 0 {
		var statuses []document.Status
		if r.status.status != "" {
			statuses = append(statuses, r.status.status)
		}
		ids, err = s.docs.ListIDs(r.ctx, statuses...)
		if err != nil {
			return errors.E(op, err)
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"ID", "RDI", "STATUS", "HASH", "LAST SEEN", "GIT", "EVENTS"})
	for _, id := range ids {
		doc, err := s.docs.GetDocument(r.ctx, id)
		if err != nil {
			return errors.E(op, err)
		}
		if r.status.status != "" && doc.Metadata.Status != r.status.status {
			continue
		}
		t.AppendRow([]interface{}{
			id,
			doc.RDI,
			doc.Metadata.Status,
			shortHash(doc.Metadata.ArcHash),
			doc.Metadata.LastSeen.Format(time.RFC3339),
			doc.Metadata.Git.Status,
			len(doc.Metadata.Events),
		})
	}
	t.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
