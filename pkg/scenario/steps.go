// Copyright 2024 Alexandre Mahdhaoui
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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	corev1 "k8s.io/api/core/v1"
)

// Step names, in execution order, as recorded in a Result.
const (
	StepProvisionWorkloads = "provision-workloads"
	StepRecordBaseline     = "record-baseline"
	StepSelectVMs          = "select-vms"
	StepCloneVM            = "clone-vm"
	StepSnapshotRestore    = "snapshot-restore"
	StepMixVMStates        = "mix-vm-states"
	StepListNodes          = "list-nodes"
	StepStopNodes          = "stop-nodes"
	StepCooldown           = "cooldown"
	StepStartNodes         = "start-nodes"
	StepWaitNodesReady     = "wait-nodes-ready"
	StepSettlePods         = "settle-pods"
	StepClusterHealth      = "cluster-health"
	StepVMSubsystemHealth  = "vm-subsystem-health"
	StepRestartStoppedVMs  = "restart-stopped-vms"
	StepVerifyVMs          = "verify-vms"
	StepVerifyIntegrity    = "verify-integrity"
	StepPostRecoveryIO     = "post-recovery-io"
	StepStopVMs            = "stop-vms"
)

var (
	// ErrHealthCheck wraps an unrecovered cluster health check failure.
	ErrHealthCheck = errors.New("cluster health check failed")
	// ErrNotEnoughVMs is returned when the batch cannot provide the VMs the
	// scenario selects.
	ErrNotEnoughVMs = errors.New("not enough virtual machines")
	// ErrNoNodes is returned when the cluster reports neither workers nor
	// masters.
	ErrNoNodes = errors.New("no nodes found")
)

// nodeReadyRetryable are the error kinds the readiness wait is retried on.
var nodeReadyRetryable = retry.Kinds(
	retry.ErrCommandFailed,
	context.DeadlineExceeded,
	retry.ErrAssertion,
	nodes.ErrNodeStatusMismatch,
)

// Step is one named stage of a run.
type Step struct {
	Name string
	Run  func(ctx context.Context, state *State) error
}

// Steps returns the stages of a run in execution order.
func (s *Scenario) Steps() []Step {
	return []Step{
		{Name: StepProvisionWorkloads, Run: s.provisionWorkloads},
		{Name: StepRecordBaseline, Run: s.recordBaseline},
		{Name: StepSelectVMs, Run: s.selectVMs},
		{Name: StepCloneVM, Run: s.cloneVM},
		{Name: StepSnapshotRestore, Run: s.snapshotRestore},
		{Name: StepMixVMStates, Run: s.mixVMStates},
		{Name: StepListNodes, Run: s.listNodes},
		{Name: StepStopNodes, Run: s.stopNodes},
		{Name: StepCooldown, Run: func(ctx context.Context, _ *State) error {
			return s.sleep(ctx, s.opts.Timings.ShutdownCooldown)
		}},
		{Name: StepStartNodes, Run: s.startNodes},
		{Name: StepWaitNodesReady, Run: s.waitNodesReady},
		{Name: StepSettlePods, Run: func(ctx context.Context, _ *State) error {
			return s.sleep(ctx, s.opts.Timings.PodSettleWait)
		}},
		{Name: StepClusterHealth, Run: s.clusterHealth},
		{Name: StepVMSubsystemHealth, Run: s.vmSubsystemHealth},
		{Name: StepRestartStoppedVMs, Run: s.restartStoppedVMs},
		{Name: StepVerifyVMs, Run: s.verifyVMs},
		{Name: StepVerifyIntegrity, Run: s.verifyIntegrity},
		{Name: StepPostRecoveryIO, Run: s.postRecoveryIO},
		{Name: StepStopVMs, Run: s.stopAll},
	}
}

func (s *Scenario) provisionWorkloads(ctx context.Context, state *State) error {
	ns, err := s.col.Namespaces.ProvisionNamespace(ctx)
	if err != nil {
		return err
	}
	state.Namespace = ns

	batch, err := s.col.Batches.ProvisionBatch(ctx, ns)
	if err != nil {
		return err
	}
	state.Batch = batch
	for _, vm := range batch.All() {
		state.track(vm)
	}

	if len(batch.Default) == 0 || len(batch.Aggressive) == 0 {
		return fmt.Errorf("%w: both storage classes need VMs, got default=%d aggressive=%d",
			ErrNotEnoughVMs, len(batch.Default), len(batch.Aggressive))
	}

	slog.InfoContext(ctx, "all vms created",
		"namespace", ns,
		"defaultClass", batch.DefaultClass,
		"aggressiveClass", batch.AggressiveClass,
		"vms", len(state.Tracked))
	return nil
}

func (s *Scenario) recordBaseline(ctx context.Context, state *State) error {
	for _, vm := range state.Tracked {
		if err := vm.Verify(ctx, true); err != nil {
			return err
		}
		sum, err := s.col.IO.WriteAndChecksum(ctx, vm, s.opts.FilePaths[0], true)
		if err != nil {
			return err
		}
		state.Baseline.Record(vm.Name, sum)
		slog.InfoContext(ctx, "baseline recorded", "vm", vm.String(), "path", s.opts.FilePaths[0], "checksum", sum)
	}
	return nil
}

func (s *Scenario) selectVMs(ctx context.Context, state *State) error {
	if len(state.Tracked) < 3 {
		return fmt.Errorf("%w: 3 distinct VMs are selected, got %d", ErrNotEnoughVMs, len(state.Tracked))
	}

	picked := s.rand.Perm(len(state.Tracked))[:3]
	state.CloneSource = state.Tracked[picked[0]]
	state.StopTarget = state.Tracked[picked[1]]
	state.SnapshotSource = state.Tracked[picked[2]]

	slog.InfoContext(ctx, "vms selected",
		"cloneSource", state.CloneSource.String(),
		"stopTarget", state.StopTarget.String(),
		"snapshotSource", state.SnapshotSource.String())
	return nil
}

func (s *Scenario) cloneVM(ctx context.Context, state *State) error {
	src := state.CloneSource
	if err := src.Stop(ctx); err != nil {
		return err
	}

	var ns string
	if src.VolumeInterface == workload.VolumeInterfacePVC {
		ns = src.Namespace
	}
	clone, err := s.col.Cloner.Clone(ctx, src, src.VolumeInterface, ns)
	if err != nil {
		return err
	}
	state.Clone = clone
	state.track(clone)

	return s.recordCopy(ctx, state, clone, src)
}

func (s *Scenario) snapshotRestore(ctx context.Context, state *State) error {
	src := state.SnapshotSource
	pvc, err := src.BackingVolume(ctx)
	if err != nil {
		return err
	}

	h, err := s.col.Snapshots.Create(ctx, pvc)
	if err != nil {
		return err
	}
	state.Snapshot = h

	restored, err := s.col.Restores.Restore(ctx, h, snapshot.RestoreOptions{
		StorageClass: src.StorageClass,
		VolumeMode:   h.ParentVolumeMode,
		AccessMode:   src.AccessMode,
		Status:       corev1.ClaimBound,
		Timeout:      s.opts.Timings.RestoreTimeout,
	})
	if err != nil {
		return err
	}
	state.RestoredVolume = restored

	vm, err := s.col.VMs.CreateFromVolume(ctx, s.opts.SourceURL, src.StorageClass, restored, state.Namespace)
	if err != nil {
		return err
	}
	state.Restored = vm
	state.track(vm)

	return s.recordCopy(ctx, state, vm, src)
}

// recordCopy checksums a VM created from a copy of src's disk, asserts it
// carries src's baseline and records it.
func (s *Scenario) recordCopy(ctx context.Context, state *State, vm, src *workload.VM) error {
	if err := vm.Verify(ctx, true); err != nil {
		return err
	}
	sum, err := s.col.IO.Checksum(ctx, vm, s.opts.FilePaths[0])
	if err != nil {
		return err
	}

	want, _ := state.Baseline.Get(src.Name)
	if sum != want {
		return fmt.Errorf("%w: VM %q copied from %q: checksum %s, source baseline %s",
			ErrDataIntegrity, vm.Name, src.Name, sum, want)
	}

	state.Baseline.Record(vm.Name, sum)
	slog.InfoContext(ctx, "copy checksum recorded", "vm", vm.String(), "source", src.String(), "checksum", sum)
	return nil
}

func (s *Scenario) mixVMStates(ctx context.Context, state *State) error {
	if err := state.StopTarget.Stop(ctx); err != nil {
		return err
	}
	return state.SnapshotSource.Pause(ctx)
}

func (s *Scenario) listNodes(ctx context.Context, state *State) error {
	workers, err := s.col.Nodes.List(ctx, nodes.RoleWorker)
	if err != nil {
		return err
	}
	masters, err := s.col.Nodes.List(ctx, nodes.RoleMaster)
	if err != nil {
		return err
	}
	if len(workers)+len(masters) == 0 {
		return ErrNoNodes
	}

	state.Nodes = nodes.Set{Workers: workers, Masters: masters}
	slog.InfoContext(ctx, "nodes listed", "workers", len(workers), "masters", len(masters))
	return nil
}

// stopNodes stops every worker, then every master.
func (s *Scenario) stopNodes(ctx context.Context, state *State) error {
	mode := "gracefully"
	if s.opts.Force {
		mode = "abruptly"
	}
	slog.InfoContext(ctx, "shutting down worker and master nodes", "mode", mode)

	for _, set := range [][]nodes.Node{state.Nodes.Workers, state.Nodes.Masters} {
		if len(set) == 0 {
			continue
		}
		if err := s.col.Power.StopNodes(ctx, set, s.opts.Force); err != nil {
			return err
		}
	}
	return nil
}

// startNodes starts every master, then every worker.
func (s *Scenario) startNodes(ctx context.Context, state *State) error {
	slog.InfoContext(ctx, "starting master and worker nodes")
	for _, set := range [][]nodes.Node{state.Nodes.Masters, state.Nodes.Workers} {
		if len(set) == 0 {
			continue
		}
		if err := s.col.Power.StartNodes(ctx, set); err != nil {
			return err
		}
	}
	return nil
}

// waitNodesReady retries bounded readiness waits until every node is ready,
// the retry budget is spent, or NodeReadyTimeout elapses.
func (s *Scenario) waitNodesReady(ctx context.Context, _ *State) error {
	t := s.opts.Timings
	rctx, cancel := context.WithTimeout(ctx, t.NodeReadyTimeout)
	defer cancel()

	err := retry.Do(rctx, s.opts.Retries.NodeReady, nodeReadyRetryable, func(ctx context.Context) error {
		return s.col.Readiness.WaitForReady(ctx, t.NodeReadyAttempt)
	})
	switch {
	case err == nil:
		slog.InfoContext(ctx, "all nodes are now ready")
		return nil
	case ctx.Err() == nil && rctx.Err() != nil:
		return fmt.Errorf("%w: nodes not ready within %s: %w", retry.ErrExhausted, t.NodeReadyTimeout, err)
	default:
		return err
	}
}

func (s *Scenario) clusterHealth(ctx context.Context, _ *State) error {
	slog.InfoContext(ctx, "checking storage and cluster health", "tries", s.opts.Retries.HealthCheckTries)
	if err := s.col.Health.ClusterCheck(ctx, s.opts.Retries.HealthCheckTries, s.opts.Retries.HealthClusterCheck); err != nil {
		slog.ErrorContext(ctx, "cluster health check failed", "err", err.Error())
		return fmt.Errorf("%w: %w", ErrHealthCheck, err)
	}
	return nil
}

func (s *Scenario) vmSubsystemHealth(ctx context.Context, _ *State) error {
	return s.col.Health.VMSubsystemCheck(ctx)
}

func (s *Scenario) restartStoppedVMs(ctx context.Context, state *State) error {
	for _, vm := range []*workload.VM{state.CloneSource, state.StopTarget} {
		if err := vm.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) verifyVMs(ctx context.Context, state *State) error {
	if s.opts.UnpauseBeforeVerify {
		if err := state.SnapshotSource.Unpause(ctx); err != nil {
			return err
		}
	}
	for _, vm := range []*workload.VM{state.CloneSource, state.StopTarget, state.SnapshotSource} {
		if err := vm.Verify(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// verifyIntegrity fails on the first VM whose baseline file changed.
func (s *Scenario) verifyIntegrity(ctx context.Context, state *State) error {
	for _, vm := range state.Tracked {
		if err := vm.Verify(ctx, true); err != nil {
			return err
		}
		sum, err := s.col.IO.Checksum(ctx, vm, s.opts.FilePaths[0])
		if err != nil {
			return err
		}
		if err := state.Baseline.Verify(vm.Name, sum); err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "data integrity verified", "vms", len(state.Tracked))
	return nil
}

func (s *Scenario) postRecoveryIO(ctx context.Context, state *State) error {
	for _, vm := range state.Tracked {
		sum, err := s.col.IO.WriteAndChecksum(ctx, vm, s.opts.FilePaths[1], true)
		if err != nil {
			return err
		}
		state.PostRecovery.Record(vm.Name, sum)
	}
	return nil
}

// stopAll stops every tracked VM and joins the failures.
func (s *Scenario) stopAll(ctx context.Context, state *State) error {
	var errs []error
	for _, vm := range state.Tracked {
		if err := vm.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", vm, err))
		}
	}
	return errors.Join(errs...)
}
