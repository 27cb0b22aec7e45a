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

// Package cmd builds the arcstore command line. All wiring happens
// here: the configuration file, the document store, the Git backend
// and the engine are constructed at process start and handed to the
// subcommands explicitly.
package cmd

import (
	"context"
	goflag "flag"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type rootOptions struct {
	configPath string
}

// GetMain returns the arcstore root command.
func GetMain(ctx context.Context) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "arcstore",
		Short: "Mirror harvested research data packages into Git",
		Long: `arcstore ingests RO-Crate metadata harvested from research data
infrastructures, tracks each ARC's lifecycle in a document store and
mirrors its file tree into one Git repository per ARC.`,
		SilenceUsage: true,
		// We handle all errors in main after return from cobra so we
		// can adjust the error message coming from libraries
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := cmd.Flags().GetBool("help")
			if err != nil {
				return err
			}
			if h {
				return cmd.Help()
			}
			return cmd.Usage()
		},
	}

	fs := goflag.NewFlagSet("", goflag.PanicOnError)
	klog.InitFlags(fs)
	cmd.PersistentFlags().AddGoFlagSet(fs)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "arcstore.yaml",
		"Path to the configuration file")

	cmd.InitDefaultHelpCmd()
	cmd.AddCommand(
		newIngestRunner(ctx, opts).Command,
		newSweepRunner(ctx, opts).Command,
		newStatusRunner(ctx, opts).Command,
		newInspectRunner(ctx, opts).Command,
		newNoteRunner(ctx, opts).Command,
		newHealthRunner(ctx, opts).Command,
		versionCmd,
	)

	hideFlags(cmd)
	return cmd
}

var version = "unknown"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of arcstore",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s\n", version)
	},
}

// hideFlags hides the logging flags that are unlikely to be used by
// operators. -v stays visible.
func hideFlags(cmd *cobra.Command) {
	flags := []string{
		"add_dir_header",
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"log_file",
		"log_file_max_size",
		"logtostderr",
		"one_output",
		"skip_headers",
		"skip_log_headers",
		"stderrthreshold",
		"vmodule",
	}
	for _, f := range flags {
		_ = cmd.PersistentFlags().MarkHidden(f)
	}

	// We need to recurse into subcommands otherwise flags aren't hidden on leaf commands
	for _, child := range cmd.Commands() {
		hideFlags(child)
	}
}
