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

package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"
	kubevirtv1 "kubevirt.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	DefaultReadyTimeout = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// Prober checks that a guest answers on the network.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// OperatorOptions configures an Operator.
type OperatorOptions struct {
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

func (o OperatorOptions) withDefaults() OperatorOptions {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Operator implements Lifecycle against the Kubernetes API.
type Operator struct {
	c      client.Client
	sub    Subresources
	prober Prober
	opts   OperatorOptions
}

var _ Lifecycle = (*Operator)(nil)

// NewOperator returns an Operator. prober may be nil when connectivity is
// never verified.
func NewOperator(c client.Client, sub Subresources, prober Prober, opts OperatorOptions) *Operator {
	return &Operator{c: c, sub: sub, prober: prober, opts: opts.withDefaults()}
}

func key(ref Ref) types.NamespacedName {
	return types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}
}

func (o *Operator) setRunStrategy(ctx context.Context, ref Ref, strategy kubevirtv1.VirtualMachineRunStrategy) error {
	vm := &kubevirtv1.VirtualMachine{}
	if err := o.c.Get(ctx, key(ref), vm); err != nil {
		return fmt.Errorf("getting vm %s: %w", ref, err)
	}

	patch := client.MergeFrom(vm.DeepCopy())
	vm.Spec.Running = nil //nolint:staticcheck // mutually exclusive with RunStrategy
	vm.Spec.RunStrategy = ptr.To(strategy)
	if err := o.c.Patch(ctx, vm, patch); err != nil {
		return fmt.Errorf("setting run strategy %s on vm %s: %w", strategy, ref, err)
	}
	return nil
}

// Stop halts the VM and waits until its instance is gone.
func (o *Operator) Stop(ctx context.Context, ref Ref) error {
	slog.InfoContext(ctx, "stopping vm", "vm", ref.String())
	if err := o.setRunStrategy(ctx, ref, kubevirtv1.RunStrategyHalted); err != nil {
		return err
	}
	return o.await(ctx, ref, "stopped", func(ctx context.Context) (bool, error) {
		vm, err := o.getVM(ctx, ref)
		if err != nil || vm.Status.PrintableStatus != kubevirtv1.VirtualMachineStatusStopped {
			return false, err
		}
		return o.vmiGone(ctx, ref)
	})
}

// Start sets the VM to always run and waits until it is ready.
func (o *Operator) Start(ctx context.Context, ref Ref) error {
	slog.InfoContext(ctx, "starting vm", "vm", ref.String())
	if err := o.setRunStrategy(ctx, ref, kubevirtv1.RunStrategyAlways); err != nil {
		return err
	}
	return o.awaitReady(ctx, ref)
}

// Pause freezes the running instance.
func (o *Operator) Pause(ctx context.Context, ref Ref) error {
	slog.InfoContext(ctx, "pausing vm", "vm", ref.String())
	if err := o.sub.Pause(ctx, ref.Namespace, ref.Name); err != nil {
		return err
	}
	return o.await(ctx, ref, "paused", func(ctx context.Context) (bool, error) {
		vmi, err := o.getVMI(ctx, ref)
		if err != nil {
			return false, err
		}
		return vmiCondition(vmi, kubevirtv1.VirtualMachineInstancePaused), nil
	})
}

// Unpause resumes a paused instance and waits until it is ready.
func (o *Operator) Unpause(ctx context.Context, ref Ref) error {
	slog.InfoContext(ctx, "unpausing vm", "vm", ref.String())
	if err := o.sub.Unpause(ctx, ref.Namespace, ref.Name); err != nil {
		return err
	}
	return o.awaitReady(ctx, ref)
}

// Verify implements Lifecycle.
func (o *Operator) Verify(ctx context.Context, ref Ref, connectivity bool) error {
	if err := o.awaitReady(ctx, ref); err != nil {
		return err
	}
	if !connectivity {
		return nil
	}
	if o.prober == nil {
		return fmt.Errorf("verifying connectivity of vm %s: no prober configured", ref)
	}

	return o.await(ctx, ref, "reachable", func(ctx context.Context) (bool, error) {
		addr, err := o.GuestAddress(ctx, ref)
		if err != nil {
			return false, err
		}
		if err := o.prober.Probe(ctx, addr); err != nil {
			return false, fmt.Errorf("probing %s: %w", addr, err)
		}
		return true, nil
	})
}

// BackingVolume implements Lifecycle.
func (o *Operator) BackingVolume(ctx context.Context, ref Ref) (*corev1.PersistentVolumeClaim, error) {
	vm, err := o.getVM(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("getting vm %s: %w", ref, err)
	}

	claim, ok := RootClaimName(vm)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackingVolume, ref)
	}

	pvc := &corev1.PersistentVolumeClaim{}
	if err := o.c.Get(ctx, types.NamespacedName{Namespace: ref.Namespace, Name: claim}, pvc); err != nil {
		return nil, fmt.Errorf("getting pvc %s/%s: %w", ref.Namespace, claim, err)
	}
	return pvc, nil
}

// GuestAddress implements Lifecycle.
func (o *Operator) GuestAddress(ctx context.Context, ref Ref) (string, error) {
	vmi, err := o.getVMI(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("getting vmi %s: %w", ref, err)
	}
	if len(vmi.Status.Interfaces) == 0 || vmi.Status.Interfaces[0].IP == "" {
		return "", fmt.Errorf("%w: %s", ErrNoGuestAddress, ref)
	}
	return vmi.Status.Interfaces[0].IP, nil
}

func (o *Operator) awaitReady(ctx context.Context, ref Ref) error {
	return o.await(ctx, ref, "ready", func(ctx context.Context) (bool, error) {
		vm, err := o.getVM(ctx, ref)
		if err != nil {
			return false, err
		}
		return vm.Status.PrintableStatus == kubevirtv1.VirtualMachineStatusRunning && vm.Status.Ready, nil
	})
}

// await polls cond until it reports done. Errors returned by cond are
// remembered and polling continues; the API may be briefly unavailable right
// after the cluster restarts.
func (o *Operator) await(ctx context.Context, ref Ref, what string, cond wait.ConditionWithContextFunc) error {
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, o.opts.PollInterval, o.opts.ReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			done, err := cond(ctx)
			if err != nil {
				lastErr = err
				slog.DebugContext(ctx, "waiting for vm", "vm", ref.String(), "state", what, "err", err.Error())
				return false, nil
			}
			return done, nil
		})
	if err != nil {
		if lastErr != nil {
			err = errors.Join(err, lastErr)
		}
		return fmt.Errorf("%w: vm %s not %s after %s: %w", ErrVMNotReady, ref, what, o.opts.ReadyTimeout, err)
	}
	slog.DebugContext(ctx, "vm reached state", "vm", ref.String(), "state", what)
	return nil
}

func (o *Operator) getVM(ctx context.Context, ref Ref) (*kubevirtv1.VirtualMachine, error) {
	vm := &kubevirtv1.VirtualMachine{}
	if err := o.c.Get(ctx, key(ref), vm); err != nil {
		return nil, err
	}
	return vm, nil
}

func (o *Operator) getVMI(ctx context.Context, ref Ref) (*kubevirtv1.VirtualMachineInstance, error) {
	vmi := &kubevirtv1.VirtualMachineInstance{}
	if err := o.c.Get(ctx, key(ref), vmi); err != nil {
		return nil, err
	}
	return vmi, nil
}

func (o *Operator) vmiGone(ctx context.Context, ref Ref) (bool, error) {
	_, err := o.getVMI(ctx, ref)
	if apierrors.IsNotFound(err) {
		return true, nil
	}
	return false, err
}

func vmiCondition(vmi *kubevirtv1.VirtualMachineInstance, t kubevirtv1.VirtualMachineInstanceConditionType) bool {
	for _, c := range vmi.Status.Conditions {
		if c.Type == t {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
