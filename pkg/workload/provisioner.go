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
	"maps"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var (
	ErrInvalidProvisionerOptions = errors.New("invalid provisioner options")
	ErrStorageClassNotReady      = errors.New("storage classes not ensured")
)

// StorageClassOptions describes one storage class of the batch.
type StorageClassOptions struct {
	// Name of the class. When empty or equal to the base class, the base
	// class is used unchanged.
	Name string
	// Parameters override the base class parameters.
	Parameters map[string]string
}

// ProvisionerOptions configures a Provisioner.
type ProvisionerOptions struct {
	NamespacePrefix string
	SourceURL       string
	// PerStorageClass is the number of VMs created for each storage class.
	PerStorageClass int
	// BaseStorageClass is copied to create the compression classes.
	BaseStorageClass string
	Default          StorageClassOptions
	Aggressive       StorageClassOptions
	AccessMode       corev1.PersistentVolumeAccessMode
	VolumeMode       *corev1.PersistentVolumeMode
	Guest            Guest
	// RunID labels every created object.
	RunID string
}

// Validate reports whether the options can provision a batch.
func (o ProvisionerOptions) Validate() error {
	var errs []error
	if o.NamespacePrefix == "" {
		errs = append(errs, errors.New("namespacePrefix must be set"))
	}
	if o.SourceURL == "" {
		errs = append(errs, errors.New("sourceURL must be set"))
	}
	if o.PerStorageClass < 1 {
		errs = append(errs, fmt.Errorf("perStorageClass must be >= 1, got %d", o.PerStorageClass))
	}
	if o.BaseStorageClass == "" {
		errs = append(errs, errors.New("baseStorageClass must be set"))
	}
	if o.Guest.DiskSize.IsZero() {
		errs = append(errs, errors.New("diskSize must be set"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidProvisionerOptions}, errs...)...)
	}
	return nil
}

// Batch is the result of ProvisionBatch.
type Batch struct {
	Default         []*VM
	Aggressive      []*VM
	DefaultClass    string
	AggressiveClass string
}

// All returns every VM of the batch, default class first.
func (b Batch) All() []*VM {
	out := make([]*VM, 0, len(b.Default)+len(b.Aggressive))
	out = append(out, b.Default...)
	return append(out, b.Aggressive...)
}

// Provisioner creates namespaces, storage classes and virtual machines.
type Provisioner struct {
	c    client.Client
	lc   Lifecycle
	opts ProvisionerOptions

	defaultClass    string
	aggressiveClass string
}

// NewProvisioner returns a Provisioner. VMs it creates are bound to lc.
func NewProvisioner(c client.Client, lc Lifecycle, opts ProvisionerOptions) (*Provisioner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.AccessMode == "" {
		opts.AccessMode = corev1.ReadWriteMany
	}
	return &Provisioner{c: c, lc: lc, opts: opts}, nil
}

func (p *Provisioner) labels() map[string]string {
	return map[string]string{LabelScenario: p.opts.RunID}
}

func shortID() string {
	return uuid.NewString()[:8]
}

// ProvisionNamespace creates a namespace named <prefix>-<random>.
func (p *Provisioner) ProvisionNamespace(ctx context.Context) (string, error) {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   fmt.Sprintf("%s-%s", p.opts.NamespacePrefix, shortID()),
			Labels: p.labels(),
		},
	}
	if err := p.c.Create(ctx, ns); err != nil {
		return "", fmt.Errorf("creating namespace %s: %w", ns.Name, err)
	}

	slog.InfoContext(ctx, "namespace created", "namespace", ns.Name)
	return ns.Name, nil
}

// EnsureStorageClasses creates the default and aggressive compression
// classes from the base class when they do not exist yet.
func (p *Provisioner) EnsureStorageClasses(ctx context.Context) (defaultClass, aggressiveClass string, err error) {
	base := &storagev1.StorageClass{}
	if err := p.c.Get(ctx, types.NamespacedName{Name: p.opts.BaseStorageClass}, base); err != nil {
		return "", "", fmt.Errorf("getting base storage class %s: %w", p.opts.BaseStorageClass, err)
	}

	if defaultClass, err = p.ensureClass(ctx, base, p.opts.Default); err != nil {
		return "", "", err
	}
	if aggressiveClass, err = p.ensureClass(ctx, base, p.opts.Aggressive); err != nil {
		return "", "", err
	}

	p.defaultClass, p.aggressiveClass = defaultClass, aggressiveClass
	return defaultClass, aggressiveClass, nil
}

func (p *Provisioner) ensureClass(ctx context.Context, base *storagev1.StorageClass, o StorageClassOptions) (string, error) {
	if o.Name == "" || o.Name == base.Name {
		return base.Name, nil
	}

	params := maps.Clone(base.Parameters)
	if params == nil {
		params = make(map[string]string, len(o.Parameters))
	}
	maps.Copy(params, o.Parameters)

	sc := &storagev1.StorageClass{
		ObjectMeta: metav1.ObjectMeta{
			Name:   o.Name,
			Labels: p.labels(),
		},
		Provisioner:          base.Provisioner,
		Parameters:           params,
		ReclaimPolicy:        base.ReclaimPolicy,
		MountOptions:         base.MountOptions,
		AllowVolumeExpansion: base.AllowVolumeExpansion,
		VolumeBindingMode:    base.VolumeBindingMode,
	}
	if err := p.c.Create(ctx, sc); err != nil {
		if apierrors.IsAlreadyExists(err) {
			slog.InfoContext(ctx, "storage class already exists", "storageClass", o.Name)
			return o.Name, nil
		}
		return "", fmt.Errorf("creating storage class %s: %w", o.Name, err)
	}

	slog.InfoContext(ctx, "storage class created", "storageClass", o.Name, "base", base.Name)
	return o.Name, nil
}

// ProvisionBatch creates PerStorageClass VMs on each of the two storage
// classes, alternating the DVT and PVC volume interfaces, and waits until
// every VM is ready.
func (p *Provisioner) ProvisionBatch(ctx context.Context, namespace string) (Batch, error) {
	if p.defaultClass == "" || p.aggressiveClass == "" {
		if _, _, err := p.EnsureStorageClasses(ctx); err != nil {
			return Batch{}, errors.Join(ErrStorageClassNotReady, err)
		}
	}

	batch := Batch{DefaultClass: p.defaultClass, AggressiveClass: p.aggressiveClass}
	for _, set := range []struct {
		tag   string
		class string
		out   *[]*VM
	}{
		{tag: "dflt", class: p.defaultClass, out: &batch.Default},
		{tag: "aggr", class: p.aggressiveClass, out: &batch.Aggressive},
	} {
		for i := range p.opts.PerStorageClass {
			vi := VolumeInterfaceDataVolume
			if i%2 == 1 {
				vi = VolumeInterfacePVC
			}
			name := fmt.Sprintf("vm-%s-%d-%s", set.tag, i, shortID())
			ref := Ref{
				Name:            name,
				Namespace:       namespace,
				VolumeInterface: vi,
				StorageClass:    set.class,
				AccessMode:      p.opts.AccessMode,
				PVCName:         DiskName(name),
			}

			vm, err := p.create(ctx, ref, DiskSource{URL: p.opts.SourceURL}, p.opts.Guest.DiskSize)
			if err != nil {
				return Batch{}, err
			}
			*set.out = append(*set.out, vm)
		}
	}

	for _, vm := range batch.All() {
		if err := vm.Verify(ctx, false); err != nil {
			return Batch{}, err
		}
	}

	slog.InfoContext(ctx, "vm batch ready",
		"namespace", namespace,
		"default", len(batch.Default),
		"aggressive", len(batch.Aggressive))
	return batch, nil
}

// Clone creates a VM whose root disk clones src's root disk. src should be
// stopped. namespace only applies to the PVC interface; the clone otherwise
// lands in src's namespace, as does an empty namespace.
func (p *Provisioner) Clone(ctx context.Context, src *VM, vi VolumeInterface, namespace string) (*VM, error) {
	pvc, err := src.BackingVolume(ctx)
	if err != nil {
		return nil, err
	}

	if vi != VolumeInterfacePVC || namespace == "" {
		namespace = src.Namespace
	}

	size, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	if !ok {
		size = p.opts.Guest.DiskSize
	}

	name := fmt.Sprintf("%s-clone-%s", src.Name, shortID()[:5])
	ref := Ref{
		Name:            name,
		Namespace:       namespace,
		VolumeInterface: vi,
		StorageClass:    src.StorageClass,
		AccessMode:      src.AccessMode,
		PVCName:         DiskName(name),
	}

	slog.InfoContext(ctx, "cloning vm", "source", src.Ref.String(), "clone", ref.String(), "volumeInterface", vi)
	vm, err := p.create(ctx, ref, DiskSource{
		ClonePVC: &corev1.ObjectReference{Namespace: pvc.Namespace, Name: pvc.Name},
	}, size)
	if err != nil {
		return nil, err
	}
	if err := vm.Verify(ctx, false); err != nil {
		return nil, err
	}
	return vm, nil
}

// CreateFromVolume creates a VM booting from an existing claim. With a nil
// pvc the root disk is imported from sourceURL instead.
func (p *Provisioner) CreateFromVolume(
	ctx context.Context,
	sourceURL, storageClass string,
	pvc *corev1.PersistentVolumeClaim,
	namespace string,
) (*VM, error) {
	name := fmt.Sprintf("vm-restored-%s", shortID())
	ref := Ref{
		Name:         name,
		Namespace:    namespace,
		StorageClass: storageClass,
		AccessMode:   p.opts.AccessMode,
	}

	var err error
	var vm *VM
	if pvc != nil {
		ref.VolumeInterface = VolumeInterfacePVC
		ref.PVCName = pvc.Name
		if len(pvc.Spec.AccessModes) > 0 {
			ref.AccessMode = pvc.Spec.AccessModes[0]
		}
		vm, err = p.createVM(ctx, ref, DiskSource{}, p.opts.Guest, pvc.Spec.VolumeMode)
	} else {
		ref.VolumeInterface = VolumeInterfaceDataVolume
		ref.PVCName = DiskName(name)
		vm, err = p.create(ctx, ref, DiskSource{URL: sourceURL}, p.opts.Guest.DiskSize)
	}
	if err != nil {
		return nil, err
	}

	if err := vm.Verify(ctx, false); err != nil {
		return nil, err
	}
	return vm, nil
}

// create provisions the root disk for PVC-interface refs, then the VM.
func (p *Provisioner) create(ctx context.Context, ref Ref, src DiskSource, size resource.Quantity) (*VM, error) {
	if ref.VolumeInterface == VolumeInterfacePVC {
		dv := NewDataVolume(ref, src, size, p.opts.VolumeMode, p.labels())
		if err := p.c.Create(ctx, dv); err != nil {
			return nil, fmt.Errorf("creating datavolume %s/%s: %w", dv.Namespace, dv.Name, err)
		}
	}

	guest := p.opts.Guest
	guest.DiskSize = size
	return p.createVM(ctx, ref, src, guest, p.opts.VolumeMode)
}

func (p *Provisioner) createVM(
	ctx context.Context,
	ref Ref,
	src DiskSource,
	guest Guest,
	mode *corev1.PersistentVolumeMode,
) (*VM, error) {
	obj, err := NewVirtualMachine(ref, src, guest, mode, p.labels())
	if err != nil {
		return nil, err
	}
	if err := p.c.Create(ctx, obj); err != nil {
		return nil, fmt.Errorf("creating vm %s: %w", ref, err)
	}

	slog.InfoContext(ctx, "vm created",
		"vm", ref.String(),
		"volumeInterface", ref.VolumeInterface,
		"storageClass", ref.StorageClass)
	return NewVM(ref, p.lc), nil
}
