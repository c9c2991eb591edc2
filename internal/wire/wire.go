/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wire builds the collaborators a scenario run drives from a
// configuration.
package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/config"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/k8s"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/ssh"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/dataio"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/health"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/power"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/scenario"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var ErrReadKey = errors.New("unable to read ssh key")

// Cluster holds the connections shared by every command.
type Cluster struct {
	RestConfig *rest.Config
	Client     client.Client
}

// NewCluster connects to the cluster named by c.Kubeconfig.
func NewCluster(c config.Config) (*Cluster, error) {
	restConfig, err := k8s.NewKubeRestConfig(c.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}

	cl, err := k8s.NewKubeClient(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &Cluster{RestConfig: restConfig, Client: cl}, nil
}

// NodeLister returns a node lister polling at scenario.nodeReadyInterval.
func (cl *Cluster) NodeLister(c config.Config) *nodes.Lister {
	return nodes.NewLister(cl.Client, c.Scenario.NodeReadyInterval.D())
}

// HealthChecker returns the configured health checker.
func (cl *Cluster) HealthChecker(c config.Config) *health.Checker {
	return health.NewChecker(cl.Client, health.Options{
		StorageNamespace:   c.Health.StorageNamespace,
		CephClusterName:    c.Health.CephClusterName,
		CNVNamespace:       c.Health.CNVNamespace,
		HyperConvergedName: c.Health.HyperConvergedName,
		Interval:           c.Health.Interval.D(),
	})
}

// NewPower returns the configured power backend and the function releasing
// it.
func NewPower(c config.Config) (power.Controller, func() error, error) {
	switch c.Power.Backend {
	case config.PowerBackendExec:
		ctrl, err := power.NewExec(power.ExecOptions{
			Stop:        c.Power.Exec.Stop,
			ForceStop:   c.Power.Exec.ForceStop,
			Start:       c.Power.Exec.Start,
			Parallelism: c.Power.Parallelism,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		return ctrl, func() error { return nil }, nil
	default:
		lv, err := NewLibvirt(c)
		if err != nil {
			return nil, nil, err
		}
		return lv, lv.Close, nil
	}
}

// NewLibvirt returns the libvirt power backend.
func NewLibvirt(c config.Config) (*power.Libvirt, error) {
	return power.NewLibvirt(power.LibvirtOptions{
		URI:             c.Power.Libvirt.URI,
		DomainPrefix:    c.Power.Libvirt.DomainPrefix,
		DomainSuffix:    c.Power.Libvirt.DomainSuffix,
		GracefulTimeout: c.Power.Libvirt.GracefulTimeout.D(),
		PollInterval:    c.Power.Libvirt.PollInterval.D(),
		Parallelism:     c.Power.Parallelism,
	})
}

// NewDataIO returns a data I/O runner reaching guests over SSH.
func NewDataIO(c config.Config) (*dataio.IO, error) {
	key, err := os.ReadFile(c.SSH.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadKey, err)
	}

	port := strconv.Itoa(c.SSH.Port)
	dial := func(address string) (ssh.Runner, error) {
		return ssh.NewClientFromKey(address, c.SSH.User, key, port), nil
	}

	return dataio.New(dial, dataio.Options{
		Pattern:   c.Scenario.PayloadPattern,
		SizeBytes: c.Scenario.PayloadSizeBytes,
		Sudo:      c.Scenario.Sudo,
	})
}

// Guest returns the guest settings every created VM uses.
func Guest(c config.Config) (workload.Guest, error) {
	var authorizedKey string
	if c.SSH.PublicKeyPath != "" {
		b, err := os.ReadFile(c.SSH.PublicKeyPath)
		if err != nil {
			return workload.Guest{}, fmt.Errorf("%w: %w", ErrReadKey, err)
		}
		authorizedKey = strings.TrimSpace(string(b))
	}

	memory, err := resource.ParseQuantity(c.Workload.Memory)
	if err != nil {
		return workload.Guest{}, fmt.Errorf("workload.memory: %w", err)
	}
	disk, err := resource.ParseQuantity(c.Workload.DiskSize)
	if err != nil {
		return workload.Guest{}, fmt.Errorf("workload.diskSize: %w", err)
	}

	return workload.Guest{
		Memory:           memory,
		DiskSize:         disk,
		SSHUser:          c.SSH.User,
		SSHAuthorizedKey: authorizedKey,
	}, nil
}

// Collaborators wires every system a scenario run drives. Objects created
// during the run are labelled with runID. The returned function releases the
// power backend.
func (cl *Cluster) Collaborators(c config.Config, runID string) (scenario.Collaborators, func() error, error) {
	dio, err := NewDataIO(c)
	if err != nil {
		return scenario.Collaborators{}, nil, err
	}

	sub, err := workload.NewRESTSubresources(cl.RestConfig)
	if err != nil {
		return scenario.Collaborators{}, nil, err
	}
	operator := workload.NewOperator(cl.Client, sub, dio, workload.OperatorOptions{
		ReadyTimeout: c.Workload.ReadyTimeout.D(),
		PollInterval: c.Workload.PollInterval.D(),
	})

	g, err := Guest(c)
	if err != nil {
		return scenario.Collaborators{}, nil, err
	}
	provisioner, err := workload.NewProvisioner(cl.Client, operator, workload.ProvisionerOptions{
		NamespacePrefix:  c.Workload.NamespacePrefix,
		SourceURL:        c.Workload.SourceURL,
		PerStorageClass:  c.Workload.PerStorageClass,
		BaseStorageClass: c.Workload.BaseStorageClass,
		Default: workload.StorageClassOptions{
			Name:       c.Workload.DefaultStorageClass.Name,
			Parameters: c.Workload.DefaultStorageClass.Parameters,
		},
		Aggressive: workload.StorageClassOptions{
			Name:       c.Workload.AggressiveStorageClass.Name,
			Parameters: c.Workload.AggressiveStorageClass.Parameters,
		},
		AccessMode: corev1.PersistentVolumeAccessMode(c.Workload.AccessMode),
		VolumeMode: c.Workload.VolumeModePtr(),
		Guest:      g,
		RunID:      runID,
	})
	if err != nil {
		return scenario.Collaborators{}, nil, err
	}

	snapshots := snapshot.New(cl.Client, snapshot.Options{
		Class:        c.Snapshot.Class,
		ReadyTimeout: c.Snapshot.ReadyTimeout.D(),
		PollInterval: c.Workload.PollInterval.D(),
		Labels:       map[string]string{workload.LabelScenario: runID},
	})

	ctrl, release, err := NewPower(c)
	if err != nil {
		return scenario.Collaborators{}, nil, err
	}

	lister := cl.NodeLister(c)
	return scenario.Collaborators{
		Namespaces: provisioner,
		Batches:    provisioner,
		Cloner:     provisioner,
		Snapshots:  snapshots,
		Restores:   snapshots,
		VMs:        provisioner,
		Nodes:      lister,
		Power:      ctrl,
		Readiness:  lister,
		Health:     cl.HealthChecker(c),
		IO:         dio,
	}, release, nil
}

// CloseQuietly releases a resource at the end of a command.
func CloseQuietly(ctx context.Context, release func() error) {
	if release == nil {
		return
	}
	if err := release(); err != nil {
		slog.ErrorContext(ctx, "releasing resource", "err", err.Error())
	}
}
