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

// Package config loads the shutdown-recovery configuration from a YAML file
// and SHUTDOWN_RECOVERY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/health"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/power"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/scenario"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	ForceTrue  = "true"
	ForceFalse = "false"
	ForceBoth  = "both"

	PowerBackendLibvirt = "libvirt"
	PowerBackendExec    = "exec"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration read and written as "5m30s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the complete tool configuration.
type Config struct {
	// Kubeconfig is a kubeconfig path, "in-cluster", or empty for the
	// default loading rules.
	Kubeconfig   string   `koanf:"kubeconfig" yaml:"kubeconfig"`
	ArtifactsDir string   `koanf:"artifactsDir" yaml:"artifactsDir"`
	Logging      Logging  `koanf:"logging" yaml:"logging"`
	Scenario     Scenario `koanf:"scenario" yaml:"scenario"`
	Workload     Workload `koanf:"workload" yaml:"workload"`
	Snapshot     Snapshot `koanf:"snapshot" yaml:"snapshot"`
	SSH          SSH      `koanf:"ssh" yaml:"ssh"`
	Power        Power    `koanf:"power" yaml:"power"`
	Health       Health   `koanf:"health" yaml:"health"`
	Metrics      Metrics  `koanf:"metrics" yaml:"metrics"`
}

type Logging struct {
	Level       string `koanf:"level" yaml:"level"`
	Development bool   `koanf:"development" yaml:"development"`
}

type Scenario struct {
	// Force is "true", "false" or "both".
	Force               string   `koanf:"force" yaml:"force"`
	SourceFile          string   `koanf:"sourceFile" yaml:"sourceFile"`
	NewFile             string   `koanf:"newFile" yaml:"newFile"`
	PayloadPattern      string   `koanf:"payloadPattern" yaml:"payloadPattern"`
	PayloadSizeBytes    int64    `koanf:"payloadSizeBytes" yaml:"payloadSizeBytes"`
	Sudo                bool     `koanf:"sudo" yaml:"sudo"`
	ShutdownCooldown    Duration `koanf:"shutdownCooldown" yaml:"shutdownCooldown"`
	PodSettleWait       Duration `koanf:"podSettleWait" yaml:"podSettleWait"`
	NodeReadyTimeout    Duration `koanf:"nodeReadyTimeout" yaml:"nodeReadyTimeout"`
	NodeReadyAttempt    Duration `koanf:"nodeReadyAttempt" yaml:"nodeReadyAttempt"`
	NodeReadyAttempts   int      `koanf:"nodeReadyAttempts" yaml:"nodeReadyAttempts"`
	NodeReadyInterval   Duration `koanf:"nodeReadyInterval" yaml:"nodeReadyInterval"`
	HealthCheckTries    int      `koanf:"healthCheckTries" yaml:"healthCheckTries"`
	HealthClusterCheck  bool     `koanf:"healthClusterCheck" yaml:"healthClusterCheck"`
	UnpauseBeforeVerify bool     `koanf:"unpauseBeforeVerify" yaml:"unpauseBeforeVerify"`
}

type StorageClass struct {
	Name       string            `koanf:"name" yaml:"name"`
	Parameters map[string]string `koanf:"parameters" yaml:"parameters,omitempty"`
}

type Workload struct {
	NamespacePrefix        string       `koanf:"namespacePrefix" yaml:"namespacePrefix"`
	SourceURL              string       `koanf:"sourceURL" yaml:"sourceURL"`
	PerStorageClass        int          `koanf:"perStorageClass" yaml:"perStorageClass"`
	BaseStorageClass       string       `koanf:"baseStorageClass" yaml:"baseStorageClass"`
	DefaultStorageClass    StorageClass `koanf:"defaultStorageClass" yaml:"defaultStorageClass"`
	AggressiveStorageClass StorageClass `koanf:"aggressiveStorageClass" yaml:"aggressiveStorageClass"`
	AccessMode             string       `koanf:"accessMode" yaml:"accessMode"`
	// VolumeMode is "Block", "Filesystem" or empty for the class default.
	VolumeMode   string   `koanf:"volumeMode" yaml:"volumeMode,omitempty"`
	Memory       string   `koanf:"memory" yaml:"memory"`
	DiskSize     string   `koanf:"diskSize" yaml:"diskSize"`
	ReadyTimeout Duration `koanf:"readyTimeout" yaml:"readyTimeout"`
	PollInterval Duration `koanf:"pollInterval" yaml:"pollInterval"`
}

type Snapshot struct {
	Class          string   `koanf:"class" yaml:"class,omitempty"`
	ReadyTimeout   Duration `koanf:"readyTimeout" yaml:"readyTimeout"`
	RestoreTimeout Duration `koanf:"restoreTimeout" yaml:"restoreTimeout"`
}

type SSH struct {
	User           string `koanf:"user" yaml:"user"`
	PrivateKeyPath string `koanf:"privateKeyPath" yaml:"privateKeyPath"`
	PublicKeyPath  string `koanf:"publicKeyPath" yaml:"publicKeyPath"`
	Port           int    `koanf:"port" yaml:"port"`
}

type Libvirt struct {
	URI             string   `koanf:"uri" yaml:"uri"`
	DomainPrefix    string   `koanf:"domainPrefix" yaml:"domainPrefix,omitempty"`
	DomainSuffix    string   `koanf:"domainSuffix" yaml:"domainSuffix,omitempty"`
	GracefulTimeout Duration `koanf:"gracefulTimeout" yaml:"gracefulTimeout"`
	PollInterval    Duration `koanf:"pollInterval" yaml:"pollInterval"`
}

type Exec struct {
	Stop      []string `koanf:"stop" yaml:"stop,omitempty"`
	ForceStop []string `koanf:"forceStop" yaml:"forceStop,omitempty"`
	Start     []string `koanf:"start" yaml:"start,omitempty"`
}

type Power struct {
	// Backend is "libvirt" or "exec".
	Backend     string  `koanf:"backend" yaml:"backend"`
	Parallelism int     `koanf:"parallelism" yaml:"parallelism"`
	Libvirt     Libvirt `koanf:"libvirt" yaml:"libvirt"`
	Exec        Exec    `koanf:"exec" yaml:"exec"`
}

type Health struct {
	StorageNamespace   string   `koanf:"storageNamespace" yaml:"storageNamespace"`
	CephClusterName    string   `koanf:"cephClusterName" yaml:"cephClusterName"`
	CNVNamespace       string   `koanf:"cnvNamespace" yaml:"cnvNamespace"`
	HyperConvergedName string   `koanf:"hyperConvergedName" yaml:"hyperConvergedName"`
	Interval           Duration `koanf:"interval" yaml:"interval"`
}

type Metrics struct {
	PushgatewayURL string `koanf:"pushgatewayURL" yaml:"pushgatewayURL,omitempty"`
	Job            string `koanf:"job" yaml:"job"`
}

// Default returns the configuration used for every unset key.
func Default() Config {
	return Config{
		ArtifactsDir: "artifacts",
		Logging:      Logging{Level: "info"},
		Scenario: Scenario{
			Force:             ForceBoth,
			SourceFile:        scenario.DefaultSourceFile,
			NewFile:           scenario.DefaultNewFile,
			PayloadPattern:    "shutdown-recovery",
			PayloadSizeBytes:  10 << 20,
			Sudo:              true,
			ShutdownCooldown:  Duration(scenario.DefaultShutdownCooldown),
			PodSettleWait:     Duration(scenario.DefaultPodSettleWait),
			NodeReadyTimeout:  Duration(scenario.DefaultNodeReadyTimeout),
			NodeReadyAttempt:  Duration(scenario.DefaultNodeReadyAttempt),
			NodeReadyAttempts: scenario.DefaultNodeReadyRetry.Attempts,
			NodeReadyInterval: Duration(scenario.DefaultNodeReadyRetry.Interval),
			HealthCheckTries:  scenario.DefaultHealthCheckTries,
		},
		Workload: Workload{
			NamespacePrefix:  "test-cnv-shutdown",
			SourceURL:        "https://download.fedoraproject.org/pub/fedora/linux/releases/41/Cloud/x86_64/images/Fedora-Cloud-Base-Generic-41-1.4.x86_64.qcow2",
			PerStorageClass:  2,
			BaseStorageClass: "ocs-storagecluster-ceph-rbd-virtualization",
			DefaultStorageClass: StorageClass{
				Name:       "sc-compression-default",
				Parameters: map[string]string{"compression_mode": "none"},
			},
			AggressiveStorageClass: StorageClass{
				Name:       "sc-compression-aggressive",
				Parameters: map[string]string{"compression_mode": "aggressive"},
			},
			AccessMode:   string(corev1.ReadWriteMany),
			VolumeMode:   string(corev1.PersistentVolumeBlock),
			Memory:       "2Gi",
			DiskSize:     "30Gi",
			ReadyTimeout: Duration(workload.DefaultReadyTimeout),
			PollInterval: Duration(workload.DefaultPollInterval),
		},
		Snapshot: Snapshot{
			ReadyTimeout:   Duration(snapshot.DefaultReadyTimeout),
			RestoreTimeout: Duration(scenario.DefaultRestoreTimeout),
		},
		SSH: SSH{User: "fedora", Port: 22},
		Power: Power{
			Backend: PowerBackendLibvirt,
			Libvirt: Libvirt{
				URI:             power.DefaultLibvirtURI,
				GracefulTimeout: Duration(power.DefaultGracefulTimeout),
				PollInterval:    Duration(power.DefaultPollInterval),
			},
		},
		Health: Health{
			StorageNamespace:   health.DefaultStorageNamespace,
			CephClusterName:    health.DefaultCephClusterName,
			CNVNamespace:       health.DefaultCNVNamespace,
			HyperConvergedName: health.DefaultHyperConvergedName,
			Interval:           Duration(health.DefaultInterval),
		},
		Metrics: Metrics{Job: "shutdown-recovery"},
	}
}

// ForceModes returns the force values to run, in order. Besides "both",
// any boolean spelling is accepted since an unquoted YAML true decodes as
// "1".
func (c Config) ForceModes() ([]bool, error) {
	if c.Scenario.Force == ForceBoth {
		return []bool{true, false}, nil
	}
	force, err := strconv.ParseBool(c.Scenario.Force)
	if err != nil {
		return nil, fmt.Errorf("%w: scenario.force must be %q, %q or %q, got %q",
			ErrInvalidConfig, ForceTrue, ForceFalse, ForceBoth, c.Scenario.Force)
	}
	return []bool{force}, nil
}

// ScenarioOptions returns the scenario options for one force mode.
func (c Config) ScenarioOptions(force bool) scenario.Options {
	s := c.Scenario
	return scenario.Options{
		Force:     force,
		FilePaths: [2]string{s.SourceFile, s.NewFile},
		SourceURL: c.Workload.SourceURL,
		Timings: scenario.Timings{
			ShutdownCooldown: s.ShutdownCooldown.D(),
			PodSettleWait:    s.PodSettleWait.D(),
			NodeReadyTimeout: s.NodeReadyTimeout.D(),
			NodeReadyAttempt: s.NodeReadyAttempt.D(),
			RestoreTimeout:   c.Snapshot.RestoreTimeout.D(),
		},
		Retries: scenario.Retries{
			NodeReady:          retry.Policy{Attempts: s.NodeReadyAttempts, Interval: s.NodeReadyInterval.D()},
			HealthCheckTries:   s.HealthCheckTries,
			HealthClusterCheck: s.HealthClusterCheck,
		},
		UnpauseBeforeVerify: s.UnpauseBeforeVerify,
	}
}

// Validate reports every invalid key.
func (c Config) Validate() error {
	var errs []error
	if c.ArtifactsDir == "" {
		errs = append(errs, errors.New("artifactsDir cannot be empty"))
	}

	modes, err := c.ForceModes()
	if err != nil {
		errs = append(errs, err)
	}
	for _, force := range modes {
		if err := c.ScenarioOptions(force).Validate(); err != nil {
			errs = append(errs, err)
			break
		}
	}

	w := c.Workload
	if w.PerStorageClass < 2 {
		errs = append(errs, fmt.Errorf("workload.perStorageClass must be >= 2 to select 3 VMs, got %d", w.PerStorageClass))
	}
	if w.BaseStorageClass == "" {
		errs = append(errs, errors.New("workload.baseStorageClass cannot be empty"))
	}
	for name, q := range map[string]string{"workload.memory": w.Memory, "workload.diskSize": w.DiskSize} {
		if _, err := resource.ParseQuantity(q); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch corev1.PersistentVolumeAccessMode(w.AccessMode) {
	case corev1.ReadWriteOnce, corev1.ReadWriteMany, corev1.ReadWriteOncePod, corev1.ReadOnlyMany:
	default:
		errs = append(errs, fmt.Errorf("workload.accessMode: unknown access mode %q", w.AccessMode))
	}
	switch corev1.PersistentVolumeMode(w.VolumeMode) {
	case "", corev1.PersistentVolumeBlock, corev1.PersistentVolumeFilesystem:
	default:
		errs = append(errs, fmt.Errorf("workload.volumeMode: unknown volume mode %q", w.VolumeMode))
	}

	if c.SSH.User == "" {
		errs = append(errs, errors.New("ssh.user cannot be empty"))
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port out of range: %d", c.SSH.Port))
	}

	switch c.Power.Backend {
	case PowerBackendLibvirt:
	case PowerBackendExec:
		e := c.Power.Exec
		if len(e.Stop) == 0 || len(e.ForceStop) == 0 || len(e.Start) == 0 {
			errs = append(errs, errors.New("power.exec needs stop, forceStop and start commands"))
		}
	default:
		errs = append(errs, fmt.Errorf("power.backend must be %q or %q, got %q",
			PowerBackendLibvirt, PowerBackendExec, c.Power.Backend))
	}

	if u := c.Metrics.PushgatewayURL; u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			errs = append(errs, fmt.Errorf("metrics.pushgatewayURL: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// VolumeModePtr returns the configured volume mode, nil for the class default.
func (w Workload) VolumeModePtr() *corev1.PersistentVolumeMode {
	if w.VolumeMode == "" {
		return nil
	}
	m := corev1.PersistentVolumeMode(w.VolumeMode)
	return &m
}
