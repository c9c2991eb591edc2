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
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/wire"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the cluster and virtualization health checks",
	Long: `Check runs the same health checks the scenario runs after recovery: storage
cluster health, node readiness, storage pods, and the virtualization
operator and its components.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		gs := gracefulshutdown.New(Name)
		defer gs.Stop()
		ctx := gs.Context()

		cl, err := wire.NewCluster(cfg)
		if err != nil {
			return err
		}
		checker := cl.HealthChecker(cfg)

		var errs []error
		for _, c := range []struct {
			name string
			run  func() error
		}{
			{name: "cluster", run: func() error {
				return checker.ClusterCheck(ctx, cfg.Scenario.HealthCheckTries, cfg.Scenario.HealthClusterCheck)
			}},
			{name: "vm-subsystem", run: func() error { return checker.VMSubsystemCheck(ctx) }},
		} {
			err := c.run()
			status := "ok"
			if err != nil {
				status = "FAIL"
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
				slog.ErrorContext(ctx, "health check failed", "check", c.name, "err", err.Error())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", status, c.name)
		}

		if gs.Interrupted() {
			errs = append(errs, errInterrupted)
		}
		return errors.Join(errs...)
	},
}
