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
	"fmt"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/cloudinit"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	kubevirtv1 "kubevirt.io/api/core/v1"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
)

const (
	// LabelScenario marks every object created by this tool.
	LabelScenario = "shutdown-recovery.alexandremahdhaoui.io/run"

	rootDiskName  = "rootdisk"
	cloudInitName = "cloudinit"
)

// Guest describes the guest OS configuration shared by every VM.
type Guest struct {
	Memory           resource.Quantity
	DiskSize         resource.Quantity
	SSHUser          string
	SSHAuthorizedKey string
}

// DiskSource is where a root disk's content comes from: an HTTP image URL,
// or an existing claim to clone when ClonePVC is set.
type DiskSource struct {
	URL      string
	ClonePVC *corev1.ObjectReference
}

func (s DiskSource) dataVolumeSource() *cdiv1beta1.DataVolumeSource {
	if s.ClonePVC != nil {
		return &cdiv1beta1.DataVolumeSource{
			PVC: &cdiv1beta1.DataVolumeSourcePVC{
				Namespace: s.ClonePVC.Namespace,
				Name:      s.ClonePVC.Name,
			},
		}
	}
	return &cdiv1beta1.DataVolumeSource{
		HTTP: &cdiv1beta1.DataVolumeSourceHTTP{URL: s.URL},
	}
}

// DiskName returns the name of the DataVolume or claim backing vmName.
func DiskName(vmName string) string {
	return vmName + "-disk"
}

// CloudInitUserData renders the #cloud-config document authorizing key.
func CloudInitUserData(user, key string) (string, error) {
	return cloudinit.ForGuest(user, key).Render()
}

func claimSpec(ref Ref, size resource.Quantity, mode *corev1.PersistentVolumeMode) *corev1.PersistentVolumeClaimSpec {
	spec := &corev1.PersistentVolumeClaimSpec{
		AccessModes: []corev1.PersistentVolumeAccessMode{ref.AccessMode},
		Resources: corev1.VolumeResourceRequirements{
			Requests: corev1.ResourceList{corev1.ResourceStorage: size},
		},
		VolumeMode: mode,
	}
	if ref.StorageClass != "" {
		spec.StorageClassName = ptr.To(ref.StorageClass)
	}
	return spec
}

// NewDataVolume builds the standalone DataVolume used by PVC-interface VMs.
func NewDataVolume(
	ref Ref,
	src DiskSource,
	size resource.Quantity,
	mode *corev1.PersistentVolumeMode,
	labels map[string]string,
) *cdiv1beta1.DataVolume {
	return &cdiv1beta1.DataVolume{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ref.PVCName,
			Namespace: ref.Namespace,
			Labels:    labels,
		},
		Spec: cdiv1beta1.DataVolumeSpec{
			Source: src.dataVolumeSource(),
			PVC:    claimSpec(ref, size, mode),
		},
	}
}

// NewVirtualMachine builds a VirtualMachine for ref.
//
// A DVT ref embeds a DataVolume template populated from src. A PVC ref mounts
// ref.PVCName, which the caller creates beforehand.
func NewVirtualMachine(
	ref Ref,
	src DiskSource,
	guest Guest,
	mode *corev1.PersistentVolumeMode,
	labels map[string]string,
) (*kubevirtv1.VirtualMachine, error) {
	userData, err := CloudInitUserData(guest.SSHUser, guest.SSHAuthorizedKey)
	if err != nil {
		return nil, fmt.Errorf("rendering cloud-init for %s: %w", ref, err)
	}

	rootVolume := kubevirtv1.Volume{Name: rootDiskName}
	var templates []kubevirtv1.DataVolumeTemplateSpec

	switch ref.VolumeInterface {
	case VolumeInterfaceDataVolume:
		rootVolume.DataVolume = &kubevirtv1.DataVolumeSource{Name: ref.PVCName}
		templates = append(templates, kubevirtv1.DataVolumeTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Name: ref.PVCName, Labels: labels},
			Spec: cdiv1beta1.DataVolumeSpec{
				Source: src.dataVolumeSource(),
				PVC:    claimSpec(ref, guest.DiskSize, mode),
			},
		})
	case VolumeInterfacePVC:
		rootVolume.PersistentVolumeClaim = &kubevirtv1.PersistentVolumeClaimVolumeSource{
			PersistentVolumeClaimVolumeSource: corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: ref.PVCName,
			},
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInterface, ref.VolumeInterface)
	}

	return &kubevirtv1.VirtualMachine{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ref.Name,
			Namespace: ref.Namespace,
			Labels:    labels,
		},
		Spec: kubevirtv1.VirtualMachineSpec{
			RunStrategy:         ptr.To(kubevirtv1.RunStrategyAlways),
			DataVolumeTemplates: templates,
			Template: &kubevirtv1.VirtualMachineInstanceTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"kubevirt.io/vm": ref.Name},
				},
				Spec: kubevirtv1.VirtualMachineInstanceSpec{
					Domain: kubevirtv1.DomainSpec{
						Resources: kubevirtv1.ResourceRequirements{
							Requests: corev1.ResourceList{corev1.ResourceMemory: guest.Memory},
						},
						Devices: kubevirtv1.Devices{
							Disks: []kubevirtv1.Disk{
								virtioDisk(rootDiskName),
								virtioDisk(cloudInitName),
							},
							Interfaces: []kubevirtv1.Interface{*kubevirtv1.DefaultMasqueradeNetworkInterface()},
						},
					},
					Networks: []kubevirtv1.Network{*kubevirtv1.DefaultPodNetwork()},
					Volumes: []kubevirtv1.Volume{
						rootVolume,
						{
							Name: cloudInitName,
							VolumeSource: kubevirtv1.VolumeSource{
								CloudInitNoCloud: &kubevirtv1.CloudInitNoCloudSource{UserData: userData},
							},
						},
					},
				},
			},
		},
	}, nil
}

func virtioDisk(name string) kubevirtv1.Disk {
	return kubevirtv1.Disk{
		Name: name,
		DiskDevice: kubevirtv1.DiskDevice{
			Disk: &kubevirtv1.DiskTarget{Bus: kubevirtv1.DiskBusVirtio},
		},
	}
}

// RootClaimName returns the claim referenced by the VM's root disk volume.
func RootClaimName(vm *kubevirtv1.VirtualMachine) (string, bool) {
	if vm.Spec.Template == nil {
		return "", false
	}
	for _, v := range vm.Spec.Template.Spec.Volumes {
		switch {
		case v.DataVolume != nil:
			return v.DataVolume.Name, true
		case v.PersistentVolumeClaim != nil:
			return v.PersistentVolumeClaim.ClaimName, true
		}
	}
	return "", false
}
