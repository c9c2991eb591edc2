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
	"errors"
	"fmt"
)

// ErrDataIntegrity is returned when a VM's checksum differs from the one
// recorded before the cluster shutdown.
var ErrDataIntegrity = errors.New("data integrity check failed")

// Entry is one ledger record.
type Entry struct {
	VM       string `json:"vm"`
	Checksum string `json:"checksum"`
}

// Ledger maps VM names to the checksum of a known file. Entries keep their
// insertion order.
type Ledger struct {
	order []string
	sums  map[string]string
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{sums: make(map[string]string)}
}

// Record stores sum for vm. Recording an existing VM replaces its checksum
// and keeps its position.
func (l *Ledger) Record(vm, sum string) {
	if _, ok := l.sums[vm]; !ok {
		l.order = append(l.order, vm)
	}
	l.sums[vm] = sum
}

// Get returns the checksum recorded for vm.
func (l *Ledger) Get(vm string) (string, bool) {
	sum, ok := l.sums[vm]
	return sum, ok
}

// Len returns the number of recorded VMs.
func (l *Ledger) Len() int { return len(l.order) }

// Entries returns the records in insertion order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.order))
	for _, vm := range l.order {
		out = append(out, Entry{VM: vm, Checksum: l.sums[vm]})
	}
	return out
}

// Verify compares got with the checksum recorded for vm. A VM that was never
// recorded fails the check too.
func (l *Ledger) Verify(vm, got string) error {
	want, ok := l.sums[vm]
	if !ok {
		return fmt.Errorf("%w: no baseline recorded for VM %q", ErrDataIntegrity, vm)
	}
	if want != got {
		return fmt.Errorf("%w: VM %q: checksum before shutdown %s, after recovery %s",
			ErrDataIntegrity, vm, want, got)
	}
	return nil
}
