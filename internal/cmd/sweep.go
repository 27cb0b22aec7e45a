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

	"github.com/spf13/cobra"

	"github.com/fairagro/arcstore/internal/errors"
)

func newSweepRunner(ctx context.Context, opts *rootOptions) *sweepRunner {
	r := &sweepRunner{ctx: ctx, opts: opts}
	c := &cobra.Command{
		Use:   "sweep",
		Short: "Soft-delete ARCs that stayed missing past the grace period",
		Long: `Sweep soft-deletes every ARC of an RDI that has been missing for
longer than the configured grace period. Ingest runs the same sweep at
the end of a harvest when auto_mark_deleted is on; this command runs it
on its own.`,
		Example: "  arcstore sweep --rdi edaphobase",
		Args:    cobra.NoArgs,
		RunE:    r.runE,
	}
	r.Command = c

	c.Flags().StringVar(&r.rdi, "rdi", "", "Research data infrastructure to sweep")
	_ = c.MarkFlagRequired("rdi")
	return r
}

type sweepRunner struct {
	ctx     context.Context
	opts    *rootOptions
	Command *cobra.Command

	rdi string
}

func (r *sweepRunner) runE(cmd *cobra.Command, _ []string) error {
	const op errors.Op = "cmd.sweep"

	s, err := openStores(r.ctx, r.opts)
	if err != nil {
		return err
	}
	defer s.close()

	eng := s.newEngine()
	defer eng.Close()

	deleted, err := eng.Sweep(r.ctx, r.rdi)
	if err != nil {
		return errors.E(op, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d ARCs deleted after the %d day grace period\n",
		deleted, s.cfg.Engine.GracePeriodDays)
	return nil
}
