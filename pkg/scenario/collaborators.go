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
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/dataio"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/power"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	corev1 "k8s.io/api/core/v1"
)

// ErrMissingCollaborator is returned by Validate for each unset collaborator.
var ErrMissingCollaborator = errors.New("missing collaborator")

// NamespaceProvisioner creates the namespace a run's workloads live in.
type NamespaceProvisioner interface {
	ProvisionNamespace(ctx context.Context) (string, error)
}

// BatchProvisioner creates the per storage class VM batch and waits for it.
type BatchProvisioner interface {
	ProvisionBatch(ctx context.Context, namespace string) (workload.Batch, error)
}

// Cloner creates a VM whose root disk is a clone of another VM's.
type Cloner interface {
	Clone(ctx context.Context, src *workload.VM, vi workload.VolumeInterface, namespace string) (*workload.VM, error)
}

// Snapshotter takes a ready snapshot of a claim.
type Snapshotter interface {
	Create(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (snapshot.Handle, error)
}

// Restorer materializes a snapshot into a new claim.
type Restorer interface {
	Restore(ctx context.Context, h snapshot.Handle, opts snapshot.RestoreOptions) (*corev1.PersistentVolumeClaim, error)
}

// VMCreator creates a VM booting from an existing claim.
type VMCreator interface {
	CreateFromVolume(
		ctx context.Context,
		sourceURL, storageClass string,
		pvc *corev1.PersistentVolumeClaim,
		namespace string,
	) (*workload.VM, error)
}

// NodeLister lists cluster nodes by role.
type NodeLister interface {
	List(ctx context.Context, role nodes.Role) ([]nodes.Node, error)
}

// ReadinessWaiter blocks until every node reports Ready or timeout elapses.
type ReadinessWaiter interface {
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// HealthChecker verifies storage, cluster and virtualization health.
type HealthChecker interface {
	ClusterCheck(ctx context.Context, tries int, clusterCheck bool) error
	VMSubsystemCheck(ctx context.Context) error
}

// DataIO writes and checksums payloads inside guests.
type DataIO interface {
	WriteAndChecksum(ctx context.Context, g dataio.Guest, path string, verify bool) (string, error)
	Checksum(ctx context.Context, g dataio.Guest, path string) (string, error)
}

// Collaborators are the systems a scenario drives. Every field is required.
type Collaborators struct {
	Namespaces NamespaceProvisioner
	Batches    BatchProvisioner
	Cloner     Cloner
	Snapshots  Snapshotter
	Restores   Restorer
	VMs        VMCreator
	Nodes      NodeLister
	Power      power.Controller
	Readiness  ReadinessWaiter
	Health     HealthChecker
	IO         DataIO
}

// Validate reports every unset collaborator.
func (c Collaborators) Validate() error {
	var errs []error
	for name, set := range map[string]bool{
		"namespaces": c.Namespaces != nil,
		"batches":    c.Batches != nil,
		"cloner":     c.Cloner != nil,
		"snapshots":  c.Snapshots != nil,
		"restores":   c.Restores != nil,
		"vms":        c.VMs != nil,
		"nodes":      c.Nodes != nil,
		"power":      c.Power != nil,
		"readiness":  c.Readiness != nil,
		"health":     c.Health != nil,
		"io":         c.IO != nil,
	} {
		if !set {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingCollaborator, name))
		}
	}
	return errors.Join(errs...)
}
