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

package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/k8s"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	snapshotv1 "github.com/kubernetes-csi/external-snapshotter/client/v8/apis/volumesnapshot/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
)

func sourcePVC() *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "vm-1-disk", Namespace: "ns"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			StorageClassName: ptr.To("rbd-virt"),
			VolumeMode:       ptr.To(corev1.PersistentVolumeBlock),
		},
	}
}

// csiController reports snapshots ready and claims bound after a number of
// reads.
type csiController struct {
	readsUntilReady int
	snapshotErr     string
	neverBind       bool

	snapshotReads int
	pvcReads      int
}

func (f *csiController) funcs() interceptor.Funcs {
	return interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if err := c.Get(ctx, key, obj, opts...); err != nil {
				return err
			}
			switch o := obj.(type) {
			case *snapshotv1.VolumeSnapshot:
				f.snapshotReads++
				o.Status = &snapshotv1.VolumeSnapshotStatus{ReadyToUse: ptr.To(false)}
				if f.snapshotErr != "" {
					o.Status.Error = &snapshotv1.VolumeSnapshotError{Message: ptr.To(f.snapshotErr)}
				}
				if f.snapshotReads >= f.readsUntilReady {
					o.Status.ReadyToUse = ptr.To(true)
					o.Status.RestoreSize = ptr.To(resource.MustParse("30Gi"))
				}
			case *corev1.PersistentVolumeClaim:
				f.pvcReads++
				o.Status.Phase = corev1.ClaimPending
				if !f.neverBind && f.pvcReads >= f.readsUntilReady {
					o.Status.Phase = corev1.ClaimBound
				}
			}
			return nil
		},
	}
}

func newSnapshotter(t *testing.T, ctrl *csiController, opts snapshot.Options) (*snapshot.Snapshotter, client.Client) {
	t.Helper()
	scheme, err := k8s.NewScheme()
	require.NoError(t, err)
	c := fake.NewClientBuilder().WithScheme(scheme).WithInterceptorFuncs(ctrl.funcs()).Build()
	opts.PollInterval = time.Millisecond
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = time.Second
	}
	return snapshot.New(c, opts), c
}

func TestSnapshotter_Create(t *testing.T) {
	ctrl := &csiController{readsUntilReady: 3}
	s, c := newSnapshotter(t, ctrl, snapshot.Options{
		Class:  "ocs-storagecluster-rbdplugin-snapclass",
		Labels: map[string]string{"run": "r1"},
	})

	h, err := s.Create(context.Background(), sourcePVC())
	require.NoError(t, err)

	assert.Equal(t, "ns", h.Namespace)
	assert.Equal(t, "vm-1-disk", h.SourcePVC)
	assert.Equal(t, "rbd-virt", h.ParentStorageClass)
	assert.Equal(t, corev1.PersistentVolumeBlock, *h.ParentVolumeMode)
	assert.Equal(t, "30Gi", h.RestoreSize.String())
	assert.GreaterOrEqual(t, ctrl.snapshotReads, 3)

	snap := &snapshotv1.VolumeSnapshot{}
	require.NoError(t, c.Get(context.Background(), client.ObjectKey{Namespace: "ns", Name: h.Name}, snap))
	assert.Equal(t, "vm-1-disk", *snap.Spec.Source.PersistentVolumeClaimName)
	assert.Equal(t, "ocs-storagecluster-rbdplugin-snapclass", *snap.Spec.VolumeSnapshotClassName)
	assert.Equal(t, "r1", snap.Labels["run"])
}

func TestSnapshotter_Create_Failed(t *testing.T) {
	s, _ := newSnapshotter(t, &csiController{readsUntilReady: 100, snapshotErr: "rbd: image busy"}, snapshot.Options{})

	_, err := s.Create(context.Background(), sourcePVC())
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotReady)
	assert.ErrorIs(t, err, snapshot.ErrSnapshotFailed)
	assert.Contains(t, err.Error(), "rbd: image busy")
}

func TestSnapshotter_Restore(t *testing.T) {
	ctrl := &csiController{readsUntilReady: 2}
	s, _ := newSnapshotter(t, ctrl, snapshot.Options{})
	h := snapshot.Handle{
		Name:              "vm-1-disk-snapshot-abcde",
		Namespace:         "ns",
		SourcePVC:         "vm-1-disk",
		ParentAccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
		RestoreSize:       resource.MustParse("30Gi"),
	}

	pvc, err := s.Restore(context.Background(), h, snapshot.RestoreOptions{
		StorageClass: "rbd-virt",
		VolumeMode:   ptr.To(corev1.PersistentVolumeBlock),
		Timeout:      time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, corev1.ClaimBound, pvc.Status.Phase)
	assert.Equal(t, "rbd-virt", *pvc.Spec.StorageClassName)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}, pvc.Spec.AccessModes)
	assert.Equal(t, corev1.PersistentVolumeBlock, *pvc.Spec.VolumeMode)
	require.NotNil(t, pvc.Spec.DataSource)
	assert.Equal(t, "VolumeSnapshot", pvc.Spec.DataSource.Kind)
	assert.Equal(t, "snapshot.storage.k8s.io", *pvc.Spec.DataSource.APIGroup)
	assert.Equal(t, h.Name, pvc.Spec.DataSource.Name)
	size := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	assert.Equal(t, "30Gi", size.String())
}

func TestSnapshotter_Restore_Timeout(t *testing.T) {
	s, _ := newSnapshotter(t, &csiController{neverBind: true}, snapshot.Options{})

	_, err := s.Restore(context.Background(), snapshot.Handle{
		Name:        "snap",
		Namespace:   "ns",
		SourcePVC:   "vm-1-disk",
		RestoreSize: resource.MustParse("1Gi"),
	}, snapshot.RestoreOptions{
		Name:       "restored",
		AccessMode: corev1.ReadWriteOnce,
		Timeout:    20 * time.Millisecond,
	})

	require.ErrorIs(t, err, snapshot.ErrRestoreNotReady)
	assert.Contains(t, err.Error(), "Pending")
}
