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

	"github.com/spf13/cobra"

	"github.com/fairagro/arcstore/internal/errors"
)

func newNoteRunner(ctx context.Context, opts *rootOptions) *noteRunner {
	r := &noteRunner{ctx: ctx, opts: opts}
	c := &cobra.Command{
		Use:     "note",
		Short:   "Append an operator note to an ARC's event log",
		Example: "  arcstore note 9f2d8c41e6a07b35 re-harvested after provider fix",
		Args:    cobra.MinimumNArgs(2),
		RunE:    r.runE,
	}
	r.Command = c
	return r
}

type noteRunner struct {
	ctx     context.Context
	opts    *rootOptions
	Command *cobra.Command
}

func (r *noteRunner) runE(cmd *cobra.Command, args []string) error {
	const op errors.Op = "cmd.note"

	s, err := openStores(r.ctx, r.opts)
	if err != nil {
		return err
	}
	defer s.close()

	arcID := args[0]
	note := strings.Join(args[1:], " ")
	if err := s.docs.AddOperatorNote(r.ctx, arcID, note); err != nil {
		return errors.E(op, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Noted on ARC %s\n", arcID)
	return nil
}
