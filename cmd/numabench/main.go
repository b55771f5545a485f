// Copyright 2025 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command numabench measures the latency and throughput of the lock
// variants under a configurable matrix multiplication workload.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/numalocks/bench"
	"github.com/cockroachdb/numalocks/locks"
	"github.com/cockroachdb/numalocks/topology"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		klog.ErrorS(err, "numabench failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCmd() *cobra.Command {
	var (
		out          string
		pin          bool
		seed         uint64
		settingsPath string
	)
	cmd := &cobra.Command{
		Use:           "numabench",
		Short:         "benchmark NUMA-aware locks",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := klog.Background().WithName("numabench")
			s, err := bench.Load(settingsPath)
			if err != nil {
				return err
			}
			runner := bench.NewRunner(s,
				bench.WithLogger(log),
				bench.WithPinning(pin),
				bench.WithSeed(seed),
			)
			results, runErr := runner.Run(cmd.Context())
			// Keep what was measured before a failure or an interrupt.
			if len(results) > 0 {
				if err := bench.WriteCSVFile(out, results); err != nil {
					return err
				}
				log.Info("wrote results", "path", out, "count", len(results))
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVar(&settingsPath, "settings", "settings/settings.json",
		"benchmark settings file; .toml files are read as TOML, anything else as YAML or JSON")
	f.StringVar(&out, "out", "results/benchmark_results.csv", "results file")
	f.BoolVar(&pin, "pin", false, "pin benchmark thread i to CPU i modulo the CPU count")
	f.Uint64Var(&seed, "seed", 1, "seed of the workload operands")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(newLocksCmd(), newTopologyCmd())
	return cmd
}

func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "list the lock variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, k := range locks.Kinds() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), k); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "print the discovered hardware layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := topology.System()
			if err != nil {
				return err
			}
			layout, err := m.Layout()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "cpus: %d\nclusters: %d\nnodes: %d\nsuperNodes: %d\n",
				m.NumCPUs(), layout.Clusters, layout.Nodes, layout.SuperNodes)
			if err != nil {
				fmt.Fprintf(w, "HMCS_CCL_NUMA_SUPERNUMA unavailable: %v\n", err)
			}
			return nil
		},
	}
}
