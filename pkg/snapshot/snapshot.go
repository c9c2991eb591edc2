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

// Package snapshot takes CSI volume snapshots and restores them into new
// claims.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	snapshotv1 "github.com/kubernetes-csi/external-snapshotter/client/v8/apis/volumesnapshot/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	DefaultReadyTimeout   = 5 * time.Minute
	DefaultRestoreTimeout = 300 * time.Second
	DefaultPollInterval   = 5 * time.Second
)

var (
	ErrSnapshotNotReady = errors.New("volume snapshot not ready")
	ErrSnapshotFailed   = errors.New("volume snapshot failed")
	ErrRestoreNotReady  = errors.New("restored volume did not reach the requested phase")
	ErrNoRestoreSize    = errors.New("volume snapshot reports no restore size")
)

// Handle is a ready-to-use snapshot of a claim.
type Handle struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	SourcePVC string `json:"sourcePVC"`
	// Parent* describe the source claim at snapshot time.
	ParentStorageClass string                              `json:"parentStorageClass,omitempty"`
	ParentVolumeMode   *corev1.PersistentVolumeMode        `json:"parentVolumeMode,omitempty"`
	ParentAccessModes  []corev1.PersistentVolumeAccessMode `json:"parentAccessModes,omitempty"`
	RestoreSize        resource.Quantity                   `json:"restoreSize"`
}

// Options configures a Snapshotter.
type Options struct {
	// Class is the VolumeSnapshotClass. Empty uses the cluster default.
	Class        string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	Labels       map[string]string
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// RestoreOptions describes the claim a snapshot is restored into.
type RestoreOptions struct {
	// Name of the claim. Generated when empty.
	Name         string
	StorageClass string
	VolumeMode   *corev1.PersistentVolumeMode
	AccessMode   corev1.PersistentVolumeAccessMode
	// Status is the claim phase to wait for. Defaults to Bound.
	Status corev1.PersistentVolumeClaimPhase
	// Timeout bounds the wait for Status. Defaults to DefaultRestoreTimeout.
	Timeout time.Duration
}

// Snapshotter creates and restores VolumeSnapshots.
type Snapshotter struct {
	c    client.Client
	opts Options
}

// New returns a Snapshotter.
func New(c client.Client, opts Options) *Snapshotter {
	return &Snapshotter{c: c, opts: opts.withDefaults()}
}

// Create snapshots pvc and waits until the snapshot is ready to use.
func (s *Snapshotter) Create(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (Handle, error) {
	snap := &snapshotv1.VolumeSnapshot{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-snapshot-%s", pvc.Name, uuid.NewString()[:5]),
			Namespace: pvc.Namespace,
			Labels:    s.opts.Labels,
		},
		Spec: snapshotv1.VolumeSnapshotSpec{
			Source: snapshotv1.VolumeSnapshotSource{
				PersistentVolumeClaimName: ptr.To(pvc.Name),
			},
		},
	}
	if s.opts.Class != "" {
		snap.Spec.VolumeSnapshotClassName = ptr.To(s.opts.Class)
	}

	slog.InfoContext(ctx, "creating volume snapshot", "pvc", pvc.Namespace+"/"+pvc.Name, "snapshot", snap.Name)
	if err := s.c.Create(ctx, snap); err != nil {
		return Handle{}, fmt.Errorf("creating volume snapshot %s/%s: %w", snap.Namespace, snap.Name, err)
	}

	key := client.ObjectKeyFromObject(snap)
	err := wait.PollUntilContextTimeout(ctx, s.opts.PollInterval, s.opts.ReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			if err := s.c.Get(ctx, key, snap); err != nil {
				return false, err
			}
			if st := snap.Status; st != nil {
				if st.Error != nil && st.Error.Message != nil {
					return false, fmt.Errorf("%w: %s", ErrSnapshotFailed, *st.Error.Message)
				}
				return ptr.Deref(st.ReadyToUse, false), nil
			}
			return false, nil
		})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrSnapshotNotReady, key, err)
	}
	if snap.Status.RestoreSize == nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrNoRestoreSize, key)
	}

	return Handle{
		Name:               snap.Name,
		Namespace:          snap.Namespace,
		SourcePVC:          pvc.Name,
		ParentStorageClass: ptr.Deref(pvc.Spec.StorageClassName, ""),
		ParentVolumeMode:   pvc.Spec.VolumeMode,
		ParentAccessModes:  pvc.Spec.AccessModes,
		RestoreSize:        *snap.Status.RestoreSize,
	}, nil
}

// Restore creates a claim populated from h and waits up to opts.Timeout for
// it to reach opts.Status.
func (s *Snapshotter) Restore(ctx context.Context, h Handle, opts RestoreOptions) (*corev1.PersistentVolumeClaim, error) {
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s-restore-%s", h.SourcePVC, uuid.NewString()[:5])
	}
	if opts.Status == "" {
		opts.Status = corev1.ClaimBound
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRestoreTimeout
	}
	if opts.AccessMode == "" && len(h.ParentAccessModes) > 0 {
		opts.AccessMode = h.ParentAccessModes[0]
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      opts.Name,
			Namespace: h.Namespace,
			Labels:    s.opts.Labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{opts.AccessMode},
			VolumeMode:  opts.VolumeMode,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: h.RestoreSize},
			},
			DataSource: &corev1.TypedLocalObjectReference{
				APIGroup: ptr.To(snapshotv1.SchemeGroupVersion.Group),
				Kind:     "VolumeSnapshot",
				Name:     h.Name,
			},
		},
	}
	if opts.StorageClass != "" {
		pvc.Spec.StorageClassName = ptr.To(opts.StorageClass)
	}

	slog.InfoContext(ctx, "restoring volume snapshot", "snapshot", h.Namespace+"/"+h.Name, "pvc", pvc.Name)
	if err := s.c.Create(ctx, pvc); err != nil {
		return nil, fmt.Errorf("creating restored pvc %s/%s: %w", pvc.Namespace, pvc.Name, err)
	}

	key := types.NamespacedName{Namespace: pvc.Namespace, Name: pvc.Name}
	err := wait.PollUntilContextTimeout(ctx, s.opts.PollInterval, opts.Timeout, true,
		func(ctx context.Context) (bool, error) {
			if err := s.c.Get(ctx, key, pvc); err != nil {
				return false, err
			}
			return pvc.Status.Phase == opts.Status, nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: want %s, got %q: %w", ErrRestoreNotReady, key, opts.Status, pvc.Status.Phase, err)
	}
	return pvc, nil
}
