/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/scenario"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the reports stored under the artifacts directory",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := scenario.NewStore(cfg.ArtifactsDir)
		if err != nil {
			return err
		}
		results, err := store.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tFORCE\tSTATUS\tSTART\tDURATION\tNAMESPACE")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
				r.RunID,
				r.Force,
				r.Status,
				r.Start.Format(time.RFC3339),
				time.Duration(r.DurationSeconds*float64(time.Second)).Round(time.Second).String(),
				dash(r.Namespace))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Print the report of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := scenario.ParseFormat(reportFormat)
		if err != nil {
			return err
		}
		store, err := scenario.NewStore(cfg.ArtifactsDir)
		if err != nil {
			return err
		}
		r, err := store.Load(args[0])
		if err != nil {
			return err
		}
		return format.Write(cmd.OutOrStdout(), r)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete RUN_ID...",
	Short: "Delete the artifacts of one or more runs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := scenario.NewStore(cfg.ArtifactsDir)
		if err != nil {
			return err
		}
		for _, id := range args {
			if err := store.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	},
}

func init() {
	runsShowCmd.Flags().StringVarP(&reportFormat, "report-format", "o", string(scenario.FormatText),
		"Output format: text, json or yaml.")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
