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

// Package workload provisions KubeVirt virtual machines backed by CDI
// volumes and drives their lifecycle.
package workload

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

var (
	// ErrNoBackingVolume is returned when a VM's root disk has no claim behind it.
	ErrNoBackingVolume  = errors.New("virtual machine has no backing volume")
	// ErrNoGuestAddress is returned while the VMI reports no interface IP.
	ErrNoGuestAddress   = errors.New("virtual machine instance reports no guest address")
	// ErrVMNotReady is returned when a VM does not reach the awaited state in time.
	ErrVMNotReady       = errors.New("virtual machine not ready")
	// ErrUnknownInterface is returned for an unrecognized VolumeInterface.
	ErrUnknownInterface = errors.New("unknown volume interface")
)

// VolumeInterface is how a VM references its root disk.
type VolumeInterface string

const (
	// VolumeInterfacePVC references a standalone PersistentVolumeClaim.
	VolumeInterfacePVC VolumeInterface = "PVC"
	// VolumeInterfaceDataVolume embeds a DataVolume template in the VM.
	VolumeInterfaceDataVolume VolumeInterface = "DVT"
)

// ParseVolumeInterface accepts "PVC" or "DVT".
func ParseVolumeInterface(s string) (VolumeInterface, error) {
	switch VolumeInterface(s) {
	case VolumeInterfacePVC, VolumeInterfaceDataVolume:
		return VolumeInterface(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownInterface, s)
	}
}

// Ref identifies a virtual machine and how its root disk is provisioned.
type Ref struct {
	Name            string                            `json:"name"`
	Namespace       string                            `json:"namespace"`
	VolumeInterface VolumeInterface                   `json:"volumeInterface"`
	StorageClass    string                            `json:"storageClass"`
	AccessMode      corev1.PersistentVolumeAccessMode `json:"accessMode"`
	// PVCName is the claim holding the root disk.
	PVCName string `json:"pvcName"`
}

// String returns namespace/name.
func (r Ref) String() string {
	return r.Namespace + "/" + r.Name
}

// Lifecycle acts on the virtual machine a Ref points to.
type Lifecycle interface {
	Stop(ctx context.Context, ref Ref) error
	Start(ctx context.Context, ref Ref) error
	Pause(ctx context.Context, ref Ref) error
	Unpause(ctx context.Context, ref Ref) error
	// Verify waits until the VM is running and ready. With connectivity it
	// also probes the guest over the network.
	Verify(ctx context.Context, ref Ref, connectivity bool) error
	BackingVolume(ctx context.Context, ref Ref) (*corev1.PersistentVolumeClaim, error)
	GuestAddress(ctx context.Context, ref Ref) (string, error)
}

// VM is a handle on a provisioned virtual machine.
type VM struct {
	Ref

	lc Lifecycle
}

// NewVM binds ref to lc.
func NewVM(ref Ref, lc Lifecycle) *VM {
	return &VM{Ref: ref, lc: lc}
}

func (v *VM) Stop(ctx context.Context) error    { return v.lc.Stop(ctx, v.Ref) }
func (v *VM) Start(ctx context.Context) error   { return v.lc.Start(ctx, v.Ref) }
func (v *VM) Pause(ctx context.Context) error   { return v.lc.Pause(ctx, v.Ref) }
func (v *VM) Unpause(ctx context.Context) error { return v.lc.Unpause(ctx, v.Ref) }

// Verify waits for the VM to be ready and optionally probes it.
func (v *VM) Verify(ctx context.Context, connectivity bool) error {
	return v.lc.Verify(ctx, v.Ref, connectivity)
}

// BackingVolume returns the claim behind the VM's root disk.
func (v *VM) BackingVolume(ctx context.Context) (*corev1.PersistentVolumeClaim, error) {
	return v.lc.BackingVolume(ctx, v.Ref)
}

// GuestAddress returns the first IP reported by the running instance.
func (v *VM) GuestAddress(ctx context.Context) (string, error) {
	return v.lc.GuestAddress(ctx, v.Ref)
}
