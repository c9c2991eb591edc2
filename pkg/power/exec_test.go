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

package power

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu   sync.Mutex
	cmds []string
	fail map[string]bool
}

func (r *recordingRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, line)
	if r.fail[line] {
		return []byte("BMC unreachable"), errors.New("exit status 1")
	}
	return nil, nil
}

func (r *recordingRunner) sorted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.cmds...)
	slices.Sort(out)
	return out
}

func ipmiOptions() ExecOptions {
	return ExecOptions{
		Stop:      []string{"ipmitool", "-H", "{name}-bmc", "chassis", "power", "soft"},
		ForceStop: []string{"ipmitool", "-H", "{name}-bmc", "chassis", "power", "off"},
		Start:     []string{"ipmitool", "-H", "{name}-bmc", "chassis", "power", "on"},
	}
}

func TestNewExec_MissingTemplate(t *testing.T) {
	opts := ipmiOptions()
	opts.Start = nil

	_, err := NewExec(opts, nil)
	assert.ErrorIs(t, err, ErrMissingTemplate)
}

func TestExec_StopStart(t *testing.T) {
	r := &recordingRunner{}
	e, err := NewExec(ipmiOptions(), r.run)
	require.NoError(t, err)

	ns := []nodes.Node{{Name: "w0"}, {Name: "w1"}}

	require.NoError(t, e.StopNodes(context.Background(), ns, true))
	assert.Equal(t, []string{
		"ipmitool -H w0-bmc chassis power off",
		"ipmitool -H w1-bmc chassis power off",
	}, r.sorted())

	r.cmds = nil
	require.NoError(t, e.StopNodes(context.Background(), ns[:1], false))
	assert.Equal(t, []string{"ipmitool -H w0-bmc chassis power soft"}, r.sorted())

	r.cmds = nil
	require.NoError(t, e.StartNodes(context.Background(), ns[1:]))
	assert.Equal(t, []string{"ipmitool -H w1-bmc chassis power on"}, r.sorted())
}

func TestExec_FailureIncludesOutput(t *testing.T) {
	r := &recordingRunner{fail: map[string]bool{"ipmitool -H w1-bmc chassis power on": true}}
	e, err := NewExec(ipmiOptions(), r.run)
	require.NoError(t, err)

	err = e.StartNodes(context.Background(), []nodes.Node{{Name: "w0"}, {Name: "w1"}})
	require.ErrorIs(t, err, ErrStartNode)
	assert.Contains(t, err.Error(), "node=w1")
	assert.Contains(t, err.Error(), "BMC unreachable")
	assert.Len(t, r.sorted(), 2)
}

func TestExpand(t *testing.T) {
	got := Expand([]string{"virsh", "start", "lab-{name}", "--ip={ip}"}, nodes.Node{Name: "m0", InternalIP: "10.0.0.1"})
	assert.Equal(t, []string{"virsh", "start", "lab-m0", "--ip=10.0.0.1"}, got)
}
