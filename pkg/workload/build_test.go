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

package workload_test

import (
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/utils/ptr"
	kubevirtv1 "kubevirt.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

func testGuest() workload.Guest {
	return workload.Guest{
		Memory:           resource.MustParse("2Gi"),
		DiskSize:         resource.MustParse("30Gi"),
		SSHUser:          "cloud-user",
		SSHAuthorizedKey: "ssh-ed25519 AAAAC3Nza test@lab",
	}
}

func TestCloudInitUserData(t *testing.T) {
	out, err := workload.CloudInitUserData("cloud-user", "ssh-ed25519 AAAA test@lab")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "#cloud-config\n"))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "cloud-user", doc["user"])
	assert.Equal(t, []any{"ssh-ed25519 AAAA test@lab"}, doc["ssh_authorized_keys"])
}

func TestNewVirtualMachine_DataVolumeTemplate(t *testing.T) {
	ref := workload.Ref{
		Name:            "vm-dflt-0",
		Namespace:       "ns",
		VolumeInterface: workload.VolumeInterfaceDataVolume,
		StorageClass:    "rbd-virt",
		AccessMode:      corev1.ReadWriteMany,
		PVCName:         workload.DiskName("vm-dflt-0"),
	}
	mode := ptr.To(corev1.PersistentVolumeBlock)

	vm, err := workload.NewVirtualMachine(ref, workload.DiskSource{URL: "http://images/centos.qcow2"}, testGuest(), mode, map[string]string{"run": "x"})
	require.NoError(t, err)

	assert.Equal(t, kubevirtv1.RunStrategyAlways, *vm.Spec.RunStrategy)
	require.Len(t, vm.Spec.DataVolumeTemplates, 1)
	dvt := vm.Spec.DataVolumeTemplates[0]
	assert.Equal(t, "vm-dflt-0-disk", dvt.Name)
	assert.Equal(t, "http://images/centos.qcow2", dvt.Spec.Source.HTTP.URL)
	assert.Equal(t, "rbd-virt", *dvt.Spec.PVC.StorageClassName)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}, dvt.Spec.PVC.AccessModes)
	assert.Equal(t, corev1.PersistentVolumeBlock, *dvt.Spec.PVC.VolumeMode)
	size := dvt.Spec.PVC.Resources.Requests[corev1.ResourceStorage]
	assert.Equal(t, "30Gi", size.String())

	claim, ok := workload.RootClaimName(vm)
	require.True(t, ok)
	assert.Equal(t, "vm-dflt-0-disk", claim)

	volumes := vm.Spec.Template.Spec.Volumes
	require.Len(t, volumes, 2)
	require.NotNil(t, volumes[1].CloudInitNoCloud)
	assert.Contains(t, volumes[1].CloudInitNoCloud.UserData, "ssh-ed25519 AAAAC3Nza test@lab")
	assert.Equal(t, "x", vm.Labels["run"])
}

func TestNewVirtualMachine_PVC(t *testing.T) {
	ref := workload.Ref{
		Name:            "vm-aggr-1",
		Namespace:       "ns",
		VolumeInterface: workload.VolumeInterfacePVC,
		StorageClass:    "rbd-aggressive",
		AccessMode:      corev1.ReadWriteOnce,
		PVCName:         "restored-pvc",
	}

	vm, err := workload.NewVirtualMachine(ref, workload.DiskSource{}, testGuest(), nil, nil)
	require.NoError(t, err)

	assert.Empty(t, vm.Spec.DataVolumeTemplates)
	root := vm.Spec.Template.Spec.Volumes[0]
	require.NotNil(t, root.PersistentVolumeClaim)
	assert.Equal(t, "restored-pvc", root.PersistentVolumeClaim.ClaimName)
}

func TestNewVirtualMachine_UnknownInterface(t *testing.T) {
	_, err := workload.NewVirtualMachine(workload.Ref{Name: "x", VolumeInterface: "ISCSI"}, workload.DiskSource{}, testGuest(), nil, nil)
	assert.ErrorIs(t, err, workload.ErrUnknownInterface)
}

func TestNewDataVolume_Clone(t *testing.T) {
	ref := workload.Ref{
		Name:            "vm-clone",
		Namespace:       "other",
		VolumeInterface: workload.VolumeInterfacePVC,
		StorageClass:    "rbd-virt",
		AccessMode:      corev1.ReadWriteMany,
		PVCName:         "vm-clone-disk",
	}
	src := workload.DiskSource{ClonePVC: &corev1.ObjectReference{Namespace: "ns", Name: "vm-dflt-0-disk"}}

	dv := workload.NewDataVolume(ref, src, resource.MustParse("30Gi"), nil, nil)

	assert.Equal(t, "vm-clone-disk", dv.Name)
	assert.Equal(t, "other", dv.Namespace)
	require.NotNil(t, dv.Spec.Source.PVC)
	assert.Nil(t, dv.Spec.Source.HTTP)
	assert.Equal(t, "ns", dv.Spec.Source.PVC.Namespace)
	assert.Equal(t, "vm-dflt-0-disk", dv.Spec.Source.PVC.Name)
}

func TestParseVolumeInterface(t *testing.T) {
	vi, err := workload.ParseVolumeInterface("PVC")
	require.NoError(t, err)
	assert.Equal(t, workload.VolumeInterfacePVC, vi)

	_, err = workload.ParseVolumeInterface("pvc")
	assert.ErrorIs(t, err, workload.ErrUnknownInterface)
}
