// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/autovideo-dev/renderd/lib/config"
)

// rankCommand prints the tier ladder the orchestrator would walk for a
// render of the given estimated duration, with per-tier cost
// estimates. Useful for checking catalog changes before deploying.
func rankCommand() *cobra.Command {
	var estimated time.Duration
	var preemptible bool
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "show the tier ladder and cost estimates for a hypothetical render",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			catalog := cfg.Tiers
			if preemptible {
				catalog = catalog.WithPreemptible()
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "#\tTIER\tPROFILE\t$/HR\tSPEED\tEST RUNTIME\tEST COST\tNOTES")
			for i, t := range catalog.Rank(estimated) {
				costStr := "n/a"
				if cost, ok := t.Cost(estimated); ok {
					costStr = fmt.Sprintf("$%.4f", cost)
				}
				notes := ""
				if t.SelfManaged {
					notes = "vm fallback only"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%.1fx\t%s\t%s\t%s\n",
					i+1, t, t.MachineProfile, t.CostPerHour, t.SpeedFactor,
					t.EstimatedRunTime(estimated).Round(time.Second), costStr, notes)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&estimated, "duration", 10*time.Minute, "estimated video duration")
	cmd.Flags().BoolVar(&preemptible, "preemptible", false, "include spot variants of GPU tiers")
	return cmd
}
