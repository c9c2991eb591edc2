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
	"log/slog"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/config"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/wire"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Print the worker and master sets and their power mapping",
	Long: `Nodes prints every node the scenario would power off, in shutdown order.
With the libvirt backend the domain backing each node is resolved too, which
makes it possible to validate the domain prefix and suffix before a run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		gs := gracefulshutdown.New(Name)
		defer gs.Stop()
		ctx := gs.Context()

		cl, err := wire.NewCluster(cfg)
		if err != nil {
			return err
		}
		set, err := cl.NodeLister(cfg).ListSet(ctx)
		if err != nil {
			return err
		}
		all := append(append([]nodes.Node{}, set.Workers...), set.Masters...)

		domains := map[string]string{}
		var resolveErr error
		if cfg.Power.Backend == config.PowerBackendLibvirt {
			lv, err := wire.NewLibvirt(cfg)
			if err != nil {
				return err
			}
			defer wire.CloseQuietly(ctx, lv.Close)

			if domains, resolveErr = lv.Resolve(ctx, all); resolveErr != nil {
				slog.WarnContext(ctx, "some nodes have no domain", "err", resolveErr.Error())
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tROLE\tINTERNAL-IP\tREADY\tDOMAIN")
		for _, n := range all {
			domain, ok := domains[n.Name]
			if !ok {
				domain = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", n.Name, n.Role, dash(n.InternalIP), n.Ready, domain)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return resolveErr
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
