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

//go:build unit

package scenario_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/dataio"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/scenario"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const testNamespace = "shutdown-recovery-test"

// world is an in-memory cluster implementing every collaborator. Every call
// is appended to events.
type world struct {
	mu     sync.Mutex
	events []string

	workers []nodes.Node
	masters []nodes.Node

	// files maps "<ns>/<vm>" to path to checksum.
	files map[string]map[string]string

	vms          map[string]*workload.VM
	restoreOpts  snapshot.RestoreOptions
	readyCalls   int
	readyAfter   int
	readyErr     error
	healthErr    error
	subsystemErr error
	stopErr      map[string]error
	// corruptOnStart overwrites the baseline file of this VM when the
	// nodes come back.
	corruptOnStart string
	perClass int
	// emptyClone makes the clone boot from an empty disk.
	emptyClone bool
}

func newWorld() *world {
	return &world{
		workers: []nodes.Node{
			{Name: "worker-0", Role: nodes.RoleWorker, InternalIP: "192.168.100.10", Ready: true},
			{Name: "worker-1", Role: nodes.RoleWorker, InternalIP: "192.168.100.11", Ready: true},
		},
		masters: []nodes.Node{
			{Name: "master-0", Role: nodes.RoleMaster, InternalIP: "192.168.100.2", Ready: true},
			{Name: "master-1", Role: nodes.RoleMaster, InternalIP: "192.168.100.3", Ready: true},
			{Name: "master-2", Role: nodes.RoleMaster, InternalIP: "192.168.100.4", Ready: true},
		},
		files:      make(map[string]map[string]string),
		vms:        make(map[string]*workload.VM),
		readyAfter: 1,
		perClass:   2,
		stopErr:    make(map[string]error),
	}
}

func (w *world) collaborators() scenario.Collaborators {
	return scenario.Collaborators{
		Namespaces: w,
		Batches:    w,
		Cloner:     w,
		Snapshots:  w,
		Restores:   w,
		VMs:        w,
		Nodes:      w,
		Power:      w,
		Readiness:  w,
		Health:     w,
		IO:         w,
	}
}

func (w *world) record(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, fmt.Sprintf(format, args...))
}

// eventsWith returns the events starting with prefix, in order.
func (w *world) eventsWith(prefix string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, e := range w.events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// indexOf returns the position of the first event equal to e, or -1.
func (w *world) indexOf(e string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Index(w.events, e)
}

// indexAfter returns the position of the first event equal to e after
// position from, or -1.
func (w *world) indexAfter(e string, from int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := from + 1; i < len(w.events); i++ {
		if w.events[i] == e {
			return i
		}
	}
	return -1
}

func (w *world) newVM(ref workload.Ref) *workload.VM {
	vm := workload.NewVM(ref, w)
	w.mu.Lock()
	w.vms[ref.Name] = vm
	if w.files[ref.String()] == nil {
		w.files[ref.String()] = make(map[string]string)
	}
	w.mu.Unlock()
	return vm
}

// ProvisionNamespace implements scenario.NamespaceProvisioner.
func (w *world) ProvisionNamespace(context.Context) (string, error) {
	w.record("namespace %s", testNamespace)
	return testNamespace, nil
}

// ProvisionBatch implements scenario.BatchProvisioner.
func (w *world) ProvisionBatch(_ context.Context, ns string) (workload.Batch, error) {
	w.record("batch %s", ns)
	b := workload.Batch{DefaultClass: "sc-default", AggressiveClass: "sc-aggressive"}
	for i := range w.perClass {
		vi := workload.VolumeInterfaceDataVolume
		if i%2 == 1 {
			vi = workload.VolumeInterfacePVC
		}
		name := fmt.Sprintf("vm-dflt-%d", i)
		b.Default = append(b.Default, w.newVM(workload.Ref{
			Name: name, Namespace: ns, VolumeInterface: vi,
			StorageClass: b.DefaultClass, AccessMode: corev1.ReadWriteMany, PVCName: name + "-disk",
		}))
		name = fmt.Sprintf("vm-aggr-%d", i)
		b.Aggressive = append(b.Aggressive, w.newVM(workload.Ref{
			Name: name, Namespace: ns, VolumeInterface: vi,
			StorageClass: b.AggressiveClass, AccessMode: corev1.ReadWriteMany, PVCName: name + "-disk",
		}))
	}
	return b, nil
}

// Clone implements scenario.Cloner.
func (w *world) Clone(_ context.Context, src *workload.VM, vi workload.VolumeInterface, ns string) (*workload.VM, error) {
	w.record("clone %s vi=%s ns=%q", src.Name, vi, ns)
	target := ns
	if target == "" {
		target = src.Namespace
	}
	name := src.Name + "-clone"
	vm := w.newVM(workload.Ref{
		Name: name, Namespace: target, VolumeInterface: vi,
		StorageClass: src.StorageClass, AccessMode: src.AccessMode, PVCName: name + "-disk",
	})
	if w.emptyClone {
		w.mu.Lock()
		w.files[vm.String()][scenario.DefaultSourceFile] = "d41d8cd98f00b204e9800998ecf8427e"
		w.mu.Unlock()
		return vm, nil
	}
	w.copyFiles(src.String(), vm.String())
	return vm, nil
}

func (w *world) copyFiles(from, to string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[to] = maps.Clone(w.files[from])
}

// Create implements scenario.Snapshotter.
func (w *world) Create(_ context.Context, pvc *corev1.PersistentVolumeClaim) (snapshot.Handle, error) {
	w.record("snapshot %s/%s", pvc.Namespace, pvc.Name)
	return snapshot.Handle{
		Name:             pvc.Name + "-snapshot",
		Namespace:        pvc.Namespace,
		SourcePVC:        pvc.Name,
		ParentVolumeMode: pvc.Spec.VolumeMode,
		RestoreSize:      resource.MustParse("30Gi"),
	}, nil
}

// Restore implements scenario.Restorer.
func (w *world) Restore(_ context.Context, h snapshot.Handle, opts snapshot.RestoreOptions) (*corev1.PersistentVolumeClaim, error) {
	w.record("restore %s", h.Name)
	w.mu.Lock()
	w.restoreOpts = opts
	w.mu.Unlock()
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        h.Name + "-restore",
			Namespace:   h.Namespace,
			Annotations: map[string]string{"source": h.SourcePVC},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: &opts.StorageClass,
			VolumeMode:       opts.VolumeMode,
			AccessModes:      []corev1.PersistentVolumeAccessMode{opts.AccessMode},
		},
		Status: corev1.PersistentVolumeClaimStatus{Phase: opts.Status},
	}, nil
}

// CreateFromVolume implements scenario.VMCreator.
func (w *world) CreateFromVolume(
	_ context.Context,
	sourceURL, storageClass string,
	pvc *corev1.PersistentVolumeClaim,
	ns string,
) (*workload.VM, error) {
	w.record("create-from-volume %s sc=%s ns=%s", pvc.Name, storageClass, ns)
	vm := w.newVM(workload.Ref{
		Name: "vm-restored", Namespace: ns, VolumeInterface: workload.VolumeInterfacePVC,
		StorageClass: storageClass, AccessMode: pvc.Spec.AccessModes[0], PVCName: pvc.Name,
	})

	srcPVC := pvc.Annotations["source"]
	w.mu.Lock()
	var from string
	for _, v := range w.vms {
		if v.PVCName == srcPVC {
			from = v.String()
		}
	}
	w.mu.Unlock()
	w.copyFiles(from, vm.String())
	return vm, nil
}

// Stop implements workload.Lifecycle.
func (w *world) Stop(_ context.Context, ref workload.Ref) error {
	w.record("vm-stop %s", ref.Name)
	return w.stopErr[ref.Name]
}

// Start implements workload.Lifecycle.
func (w *world) Start(_ context.Context, ref workload.Ref) error {
	w.record("vm-start %s", ref.Name)
	return nil
}

// Pause implements workload.Lifecycle.
func (w *world) Pause(_ context.Context, ref workload.Ref) error {
	w.record("vm-pause %s", ref.Name)
	return nil
}

// Unpause implements workload.Lifecycle.
func (w *world) Unpause(_ context.Context, ref workload.Ref) error {
	w.record("vm-unpause %s", ref.Name)
	return nil
}

// Verify implements workload.Lifecycle.
func (w *world) Verify(_ context.Context, ref workload.Ref, connectivity bool) error {
	w.record("vm-verify %s connectivity=%t", ref.Name, connectivity)
	return nil
}

// BackingVolume implements workload.Lifecycle.
func (w *world) BackingVolume(_ context.Context, ref workload.Ref) (*corev1.PersistentVolumeClaim, error) {
	mode := corev1.PersistentVolumeBlock
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: ref.PVCName, Namespace: ref.Namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: &ref.StorageClass,
			VolumeMode:       &mode,
			AccessModes:      []corev1.PersistentVolumeAccessMode{ref.AccessMode},
		},
	}, nil
}

// GuestAddress implements workload.Lifecycle.
func (w *world) GuestAddress(_ context.Context, ref workload.Ref) (string, error) {
	return "10.0.2.2", nil
}

// List implements scenario.NodeLister.
func (w *world) List(_ context.Context, role nodes.Role) ([]nodes.Node, error) {
	w.record("list-nodes %s", role)
	if role == nodes.RoleMaster {
		return w.masters, nil
	}
	return w.workers, nil
}

func names(ns []nodes.Node) string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Name)
	}
	return strings.Join(out, ",")
}

// StopNodes implements power.Controller.
func (w *world) StopNodes(_ context.Context, ns []nodes.Node, force bool) error {
	w.record("stop-nodes %s force=%t", names(ns), force)
	return nil
}

// StartNodes implements power.Controller.
func (w *world) StartNodes(_ context.Context, ns []nodes.Node) error {
	w.record("start-nodes %s", names(ns))
	if w.corruptOnStart != "" {
		w.mu.Lock()
		for key, files := range w.files {
			if strings.HasSuffix(key, "/"+w.corruptOnStart) {
				files[scenario.DefaultSourceFile] = "corrupted"
			}
		}
		w.mu.Unlock()
	}
	return nil
}

// WaitForReady implements scenario.ReadinessWaiter. It fails with a status
// mismatch until it was called readyAfter times.
func (w *world) WaitForReady(_ context.Context, timeout time.Duration) error {
	w.mu.Lock()
	w.readyCalls++
	calls := w.readyCalls
	w.mu.Unlock()

	w.record("wait-ready timeout=%s", timeout)
	if w.readyErr != nil {
		return w.readyErr
	}
	if calls < w.readyAfter {
		return fmt.Errorf("%w: worker-1 not ready", nodes.ErrNodeStatusMismatch)
	}
	return nil
}

// ClusterCheck implements scenario.HealthChecker.
func (w *world) ClusterCheck(_ context.Context, tries int, clusterCheck bool) error {
	w.record("cluster-check tries=%d cluster=%t", tries, clusterCheck)
	return w.healthErr
}

// VMSubsystemCheck implements scenario.HealthChecker.
func (w *world) VMSubsystemCheck(context.Context) error {
	w.record("vm-subsystem-check")
	return w.subsystemErr
}

// WriteAndChecksum implements scenario.DataIO.
func (w *world) WriteAndChecksum(_ context.Context, g dataio.Guest, path string, verify bool) (string, error) {
	w.record("write %s %s verify=%t", g, path, verify)
	sum := fmt.Sprintf("%x", len(path)*7919)
	w.mu.Lock()
	defer w.mu.Unlock()
	files, ok := w.files[g.String()]
	if !ok {
		return "", errors.New("unknown guest " + g.String())
	}
	files[path] = sum
	return sum, nil
}

// Checksum implements scenario.DataIO.
func (w *world) Checksum(_ context.Context, g dataio.Guest, path string) (string, error) {
	w.record("checksum %s %s", g, path)
	w.mu.Lock()
	defer w.mu.Unlock()
	sum, ok := w.files[g.String()][path]
	if !ok {
		return "", fmt.Errorf("md5sum: %s: No such file or directory", path)
	}
	return sum, nil
}
