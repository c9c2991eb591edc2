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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/config"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/wire"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/scenario"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const pushTimeout = 30 * time.Second

var (
	errInterrupted    = errors.New("interrupted")
	errScenarioFailed = errors.New("scenario did not pass")
)

var (
	forceFlag       string
	reportFormat    string
	deleteNamespace bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the shutdown recovery scenario",
	Long: `Run provisions the virtual machines, records their checksums, shuts every
node down, starts it again and verifies the machines and their data.

With --force=both the scenario runs twice, forced shutdown first. Each run
writes its report and the effective configuration to <artifactsDir>/<runID>/.`,
	Args: cobra.NoArgs,
	RunE: runScenario,
}

func init() {
	runCmd.Flags().StringVar(&forceFlag, "force", "",
		"Shutdown mode: true, false or both. Overrides scenario.force.")
	runCmd.Flags().StringVarP(&reportFormat, "report-format", "o", string(scenario.FormatText),
		"Report printed to stdout: text, json or yaml.")
	runCmd.Flags().BoolVar(&deleteNamespace, "delete-namespace", false,
		"Delete the scenario namespace once the run is reported.")
}

func runScenario(cmd *cobra.Command, _ []string) error {
	gs := gracefulshutdown.New(Name)
	defer gs.Stop()
	ctx := gs.Context()

	if cmd.Flags().Changed("force") {
		cfg.Scenario.Force = forceFlag
	}
	modes, err := cfg.ForceModes()
	if err != nil {
		return err
	}
	format, err := scenario.ParseFormat(reportFormat)
	if err != nil {
		return err
	}

	store, err := scenario.NewStore(cfg.ArtifactsDir)
	if err != nil {
		return err
	}
	cl, err := wire.NewCluster(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := scenario.NewMetrics(reg)

	// ----------------------------------------------------- Runs ---------------------------------------------------- //

	base := uuid.NewString()[:8]
	var errs []error
	for _, force := range modes {
		if ctx.Err() != nil {
			break
		}

		id := fmt.Sprintf("%s-force-%t", base, force)
		if err := runOnce(ctx, cmd.OutOrStdout(), cl, store, metrics, format, id, force); err != nil {
			errs = append(errs, err)
		}

		if cfg.Metrics.PushgatewayURL != "" {
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
			err := scenario.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, id, reg)
			cancel()
			if err != nil {
				slog.ErrorContext(ctx, "pushing metrics", "run", id, "err", err.Error())
			}
		}
	}

	if gs.Interrupted() {
		errs = append(errs, errInterrupted)
	}
	return errors.Join(errs...)
}

func runOnce(
	ctx context.Context,
	out io.Writer,
	cl *wire.Cluster,
	store *scenario.Store,
	metrics *scenario.Metrics,
	format scenario.Format,
	id string,
	force bool,
) error {
	col, release, err := cl.Collaborators(cfg, id)
	if err != nil {
		return err
	}
	defer wire.CloseQuietly(ctx, release)

	sc, err := scenario.New(col, cfg.ScenarioOptions(force),
		scenario.WithRunID(id),
		scenario.WithMetrics(metrics))
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "starting scenario", "run", id, "force", force)
	result, runErr := sc.Run(ctx)

	// ---------------------------------------------------- Report --------------------------------------------------- //

	var errs []error
	if err := store.Save(result, format); err != nil {
		errs = append(errs, err)
	}
	if err := config.WriteUsed(store.RunDir(id), cfg); err != nil {
		errs = append(errs, err)
	}
	if err := format.Write(out, result); err != nil {
		errs = append(errs, err)
	}

	slog.InfoContext(ctx, "scenario finished",
		"run", id,
		"status", string(result.Status),
		"report", store.RunDir(id))

	if deleteNamespace && result.Namespace != "" {
		if err := deleteScenarioNamespace(context.WithoutCancel(ctx), cl.Client, result.Namespace); err != nil {
			errs = append(errs, err)
		}
	}

	if runErr != nil {
		errs = append([]error{fmt.Errorf("%w: run %s %s: %w", errScenarioFailed, id, result.Status, runErr)}, errs...)
	}
	return errors.Join(errs...)
}

func deleteScenarioNamespace(ctx context.Context, c client.Client, name string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := c.Delete(ctx, ns); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	slog.InfoContext(ctx, "namespace deleted", "namespace", name)
	return nil
}
