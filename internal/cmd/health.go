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

func newHealthRunner(ctx context.Context, opts *rootOptions) *healthRunner {
	r := &healthRunner{ctx: ctx, opts: opts}
	c := &cobra.Command{
		Use:   "health",
		Short: "Check that the document store and the Git backend are reachable",
		Args:  cobra.NoArgs,
		RunE:  r.runE,
	}
	r.Command = c
	return r
}

type healthRunner struct {
	ctx     context.Context
	opts    *rootOptions
	Command *cobra.Command
}

func (r *healthRunner) runE(cmd *cobra.Command, _ []string) error {
	const op errors.Op = "cmd.health"

	s, err := openStores(r.ctx, r.opts)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	healthy := true
	if err := s.docs.CheckHealth(r.ctx); err != nil {
		fmt.Fprintf(out, "CouchDB:     %v\n", err)
		healthy = false
	} else {
		fmt.Fprintf(out, "CouchDB:     ok\n")
	}
	if err := s.arcs.CheckHealth(r.ctx); err != nil {
		fmt.Fprintf(out, "Git backend: %v\n", err)
		healthy = false
	} else {
		fmt.Fprintf(out, "Git backend: ok\n")
	}
	if !healthy {
		return errors.E(op, errors.Transient, fmt.Errorf("not healthy"))
	}
	return nil
}
