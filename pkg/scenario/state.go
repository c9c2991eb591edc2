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
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/snapshot"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/workload"
	corev1 "k8s.io/api/core/v1"
)

// State is threaded through every step of one run.
type State struct {
	Namespace string
	Batch     workload.Batch

	// Tracked holds every VM checked after recovery: the batch, then the
	// clone, then the restored VM.
	Tracked []*workload.VM

	CloneSource    *workload.VM
	StopTarget     *workload.VM
	SnapshotSource *workload.VM

	Clone          *workload.VM
	Snapshot       snapshot.Handle
	RestoredVolume *corev1.PersistentVolumeClaim
	Restored       *workload.VM

	Nodes nodes.Set

	// Baseline holds the checksums of the first file path.
	Baseline *Ledger
	// PostRecovery holds the checksums written to the second file path.
	PostRecovery *Ledger
}

// NewState returns an empty State.
func NewState() *State {
	return &State{Baseline: NewLedger(), PostRecovery: NewLedger()}
}

func (s *State) track(vm *workload.VM) {
	s.Tracked = append(s.Tracked, vm)
}
