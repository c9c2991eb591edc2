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

// Package health checks the storage cluster and the virtualization stack.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var (
	// CephClusterGVK is the Rook CephCluster kind.
	CephClusterGVK = schema.GroupVersionKind{Group: "ceph.rook.io", Version: "v1", Kind: "CephCluster"}
	// HyperConvergedGVK is the virtualization operator's top-level kind.
	HyperConvergedGVK = schema.GroupVersionKind{Group: "hco.kubevirt.io", Version: "v1beta1", Kind: "HyperConverged"}
)

const (
	cephHealthOK = "HEALTH_OK"

	DefaultStorageNamespace   = "openshift-storage"
	DefaultCephClusterName    = "ocs-storagecluster-cephcluster"
	DefaultCNVNamespace       = "openshift-cnv"
	DefaultHyperConvergedName = "kubevirt-hyperconverged"
	DefaultInterval           = 30 * time.Second
)

// KubeVirtDeployments must be fully available after recovery.
var KubeVirtDeployments = []string{"virt-api", "virt-controller", "virt-operator"}

// KubeVirtDaemonSet runs on every schedulable node.
const KubeVirtDaemonSet = "virt-handler"

var (
	ErrStorageUnhealthy   = errors.New("storage cluster unhealthy")
	ErrNodesNotReady      = errors.New("nodes not ready")
	ErrPodsNotRunning     = errors.New("storage pods not running")
	ErrVMSubsystemNotUp   = errors.New("virtualization subsystem not available")
	ErrInvalidHealthTries = errors.New("health check tries must be >= 1")
)

// Options configures a Checker.
type Options struct {
	StorageNamespace   string
	CephClusterName    string
	CNVNamespace       string
	HyperConvergedName string
	// Interval separates two ClusterCheck attempts.
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.StorageNamespace == "" {
		o.StorageNamespace = DefaultStorageNamespace
	}
	if o.CephClusterName == "" {
		o.CephClusterName = DefaultCephClusterName
	}
	if o.CNVNamespace == "" {
		o.CNVNamespace = DefaultCNVNamespace
	}
	if o.HyperConvergedName == "" {
		o.HyperConvergedName = DefaultHyperConvergedName
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Checker runs health checks against the cluster API.
type Checker struct {
	c    client.Reader
	opts Options
}

// NewChecker returns a Checker.
func NewChecker(c client.Reader, opts Options) *Checker {
	return &Checker{c: c, opts: opts.withDefaults()}
}

// ClusterCheck retries up to tries times until Ceph reports HEALTH_OK and
// every node is Ready. With clusterCheck every pod of the storage namespace
// must also be Running or Succeeded.
func (h *Checker) ClusterCheck(ctx context.Context, tries int, clusterCheck bool) error {
	if tries < 1 {
		return ErrInvalidHealthTries
	}

	attempt := 0
	return retry.Do(ctx,
		retry.Policy{Attempts: tries, Interval: h.opts.Interval},
		retry.Kinds(retry.ErrCommandFailed, retry.ErrAssertion),
		func(ctx context.Context) error {
			attempt++
			err := h.clusterOnce(ctx, clusterCheck)
			if err != nil {
				slog.InfoContext(ctx, "cluster not healthy yet", "attempt", attempt, "tries", tries, "err", err.Error())
				return err
			}
			slog.InfoContext(ctx, "cluster healthy", "attempt", attempt)
			return nil
		})
}

func (h *Checker) clusterOnce(ctx context.Context, clusterCheck bool) error {
	if err := h.checkCeph(ctx); err != nil {
		return err
	}
	if err := h.checkNodes(ctx); err != nil {
		return err
	}
	if clusterCheck {
		return h.checkStoragePods(ctx)
	}
	return nil
}

func (h *Checker) checkCeph(ctx context.Context) error {
	cluster := &unstructured.Unstructured{}
	cluster.SetGroupVersionKind(CephClusterGVK)
	key := types.NamespacedName{Namespace: h.opts.StorageNamespace, Name: h.opts.CephClusterName}
	if err := h.c.Get(ctx, key, cluster); err != nil {
		return fmt.Errorf("%w: getting cephcluster %s: %w", retry.ErrCommandFailed, key, err)
	}

	health, _, err := unstructured.NestedString(cluster.Object, "status", "ceph", "health")
	if err != nil {
		return fmt.Errorf("%w: reading cephcluster health: %w", retry.ErrCommandFailed, err)
	}
	if health != cephHealthOK {
		return fmt.Errorf("%w: %w: ceph health is %q", retry.ErrAssertion, ErrStorageUnhealthy, health)
	}
	return nil
}

func (h *Checker) checkNodes(ctx context.Context) error {
	list := &corev1.NodeList{}
	if err := h.c.List(ctx, list); err != nil {
		return fmt.Errorf("%w: listing nodes: %w", retry.ErrCommandFailed, err)
	}

	var notReady []string
	for i := range list.Items {
		if !nodes.IsReady(&list.Items[i]) {
			notReady = append(notReady, list.Items[i].Name)
		}
	}
	if len(notReady) > 0 {
		return fmt.Errorf("%w: %w: %s", retry.ErrAssertion, ErrNodesNotReady, strings.Join(notReady, ", "))
	}
	return nil
}

func (h *Checker) checkStoragePods(ctx context.Context) error {
	list := &corev1.PodList{}
	if err := h.c.List(ctx, list, client.InNamespace(h.opts.StorageNamespace)); err != nil {
		return fmt.Errorf("%w: listing pods in %s: %w", retry.ErrCommandFailed, h.opts.StorageNamespace, err)
	}

	var bad []string
	for _, p := range list.Items {
		if p.Status.Phase != corev1.PodRunning && p.Status.Phase != corev1.PodSucceeded {
			bad = append(bad, fmt.Sprintf("%s(%s)", p.Name, p.Status.Phase))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %w: %s", retry.ErrAssertion, ErrPodsNotRunning, strings.Join(bad, ", "))
	}
	return nil
}

// VMSubsystemCheck verifies the HyperConverged resource is Available and the
// KubeVirt control plane and node agents are fully rolled out. It does not
// retry.
func (h *Checker) VMSubsystemCheck(ctx context.Context) error {
	var errs []error

	if err := h.checkHyperConverged(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, name := range KubeVirtDeployments {
		if err := h.checkDeployment(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.checkDaemonSet(ctx, KubeVirtDaemonSet); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrVMSubsystemNotUp}, errs...)...)
	}
	slog.InfoContext(ctx, "virtualization subsystem available", "namespace", h.opts.CNVNamespace)
	return nil
}

func (h *Checker) checkHyperConverged(ctx context.Context) error {
	hco := &unstructured.Unstructured{}
	hco.SetGroupVersionKind(HyperConvergedGVK)
	key := types.NamespacedName{Namespace: h.opts.CNVNamespace, Name: h.opts.HyperConvergedName}
	if err := h.c.Get(ctx, key, hco); err != nil {
		return fmt.Errorf("getting hyperconverged %s: %w", key, err)
	}

	conditions, _, err := unstructured.NestedSlice(hco.Object, "status", "conditions")
	if err != nil {
		return fmt.Errorf("reading hyperconverged conditions: %w", err)
	}
	for _, raw := range conditions {
		cond, ok := raw.(map[string]any)
		if !ok || cond["type"] != "Available" {
			continue
		}
		if cond["status"] == string(corev1.ConditionTrue) {
			return nil
		}
		return fmt.Errorf("hyperconverged %s Available=%v: %v", key, cond["status"], cond["message"])
	}
	return fmt.Errorf("hyperconverged %s has no Available condition", key)
}

func (h *Checker) checkDeployment(ctx context.Context, name string) error {
	d := &appsv1.Deployment{}
	key := types.NamespacedName{Namespace: h.opts.CNVNamespace, Name: name}
	if err := h.c.Get(ctx, key, d); err != nil {
		return fmt.Errorf("getting deployment %s: %w", key, err)
	}

	want := ptr.Deref(d.Spec.Replicas, 1)
	if d.Status.AvailableReplicas < want || d.Status.UpdatedReplicas < want {
		return fmt.Errorf("deployment %s: %d/%d available, %d updated",
			key, d.Status.AvailableReplicas, want, d.Status.UpdatedReplicas)
	}
	return nil
}

func (h *Checker) checkDaemonSet(ctx context.Context, name string) error {
	ds := &appsv1.DaemonSet{}
	key := types.NamespacedName{Namespace: h.opts.CNVNamespace, Name: name}
	if err := h.c.Get(ctx, key, ds); err != nil {
		return fmt.Errorf("getting daemonset %s: %w", key, err)
	}

	s := ds.Status
	if s.DesiredNumberScheduled == 0 || s.NumberReady < s.DesiredNumberScheduled || s.NumberAvailable < s.DesiredNumberScheduled {
		return fmt.Errorf("daemonset %s: %d/%d ready, %d available",
			key, s.NumberReady, s.DesiredNumberScheduled, s.NumberAvailable)
	}
	return nil
}
