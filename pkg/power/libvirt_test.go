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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

type fakeDomain struct {
	mu    sync.Mutex
	name  string
	state libvirt.DomainState
	xml   string
	calls []string

	// shutdownAfter is the number of GetState calls after Shutdown before the
	// domain reports shut-off. Negative means never.
	shutdownAfter int
	shuttingDown  bool
	destroyErr    error
}

func (d *fakeDomain) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *fakeDomain) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDomain) GetName() (string, error) { return d.name, nil }

func (d *fakeDomain) GetState() (libvirt.DomainState, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		if d.shutdownAfter == 0 {
			d.state = libvirt.DOMAIN_SHUTOFF
			d.shuttingDown = false
		} else if d.shutdownAfter > 0 {
			d.shutdownAfter--
		}
	}
	return d.state, 0, nil
}

func (d *fakeDomain) GetXMLDesc(libvirt.DomainXMLFlags) (string, error) { return d.xml, nil }

func (d *fakeDomain) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("shutdown")
	d.shuttingDown = true
	return nil
}

func (d *fakeDomain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("destroy")
	if d.destroyErr != nil {
		return d.destroyErr
	}
	d.state = libvirt.DOMAIN_SHUTOFF
	d.shuttingDown = false
	return nil
}

func (d *fakeDomain) Create() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("create")
	d.state = libvirt.DOMAIN_RUNNING
	return nil
}

func (d *fakeDomain) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("resume")
	d.state = libvirt.DOMAIN_RUNNING
	return nil
}

func (d *fakeDomain) Free() error { return nil }

type fakeHypervisor struct {
	mu      sync.Mutex
	domains map[string]*fakeDomain
	leases  map[string][]libvirt.NetworkDHCPLease
	lookups []string
}

func (h *fakeHypervisor) LookupDomain(name string) (domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookups = append(h.lookups, name)
	d, ok := h.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: domain=%s", ErrDomainNotFound, name)
	}
	return d, nil
}

func (h *fakeHypervisor) ListDomains() ([]domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain, 0, len(h.domains))
	for _, d := range h.domains {
		out = append(out, d)
	}
	return out, nil
}

func (h *fakeHypervisor) DHCPLeases(network string) ([]libvirt.NetworkDHCPLease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leases[network], nil
}

func (h *fakeHypervisor) Close() error { return nil }

func domainXML(t *testing.T, name, mac, network string) string {
	t.Helper()
	def := &libvirtxml.Domain{
		Type: "kvm",
		Name: name,
		Devices: &libvirtxml.DomainDeviceList{
			Interfaces: []libvirtxml.DomainInterface{{
				MAC: &libvirtxml.DomainInterfaceMAC{Address: mac},
				Source: &libvirtxml.DomainInterfaceSource{
					Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network},
				},
			}},
		},
	}
	out, err := def.Marshal()
	require.NoError(t, err)
	return out
}

func newFakeLibvirt(doms ...*fakeDomain) (*Libvirt, *fakeHypervisor) {
	hv := &fakeHypervisor{
		domains: make(map[string]*fakeDomain),
		leases:  make(map[string][]libvirt.NetworkDHCPLease),
	}
	for _, d := range doms {
		hv.domains[d.name] = d
	}
	return newLibvirt(hv, LibvirtOptions{
		GracefulTimeout: 50 * time.Millisecond,
		PollInterval:    time.Millisecond,
	}), hv
}

func TestLibvirt_StopNodes(t *testing.T) {
	tests := []struct {
		name          string
		state         libvirt.DomainState
		force         bool
		shutdownAfter int
		wantCalls     []string
	}{
		{
			name:      "force destroys running domain",
			state:     libvirt.DOMAIN_RUNNING,
			force:     true,
			wantCalls: []string{"destroy"},
		},
		{
			name:          "graceful waits for shutoff",
			state:         libvirt.DOMAIN_RUNNING,
			shutdownAfter: 3,
			wantCalls:     []string{"shutdown"},
		},
		{
			name:          "graceful falls back to destroy",
			state:         libvirt.DOMAIN_RUNNING,
			shutdownAfter: -1,
			wantCalls:     []string{"shutdown", "destroy"},
		},
		{
			name:      "already shut off is a no-op",
			state:     libvirt.DOMAIN_SHUTOFF,
			force:     true,
			wantCalls: nil,
		},
		{
			name:      "crashed is a no-op",
			state:     libvirt.DOMAIN_CRASHED,
			wantCalls: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dom := &fakeDomain{name: "worker-0", state: tt.state, shutdownAfter: tt.shutdownAfter}
			l, _ := newFakeLibvirt(dom)

			err := l.StopNodes(context.Background(), []nodes.Node{{Name: "worker-0"}}, tt.force)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCalls, dom.Calls())
			state, _, _ := dom.GetState()
			assert.Equal(t, libvirt.DOMAIN_SHUTOFF, state)
		})
	}
}

func TestLibvirt_StartNodes(t *testing.T) {
	tests := []struct {
		name      string
		state     libvirt.DomainState
		wantCalls []string
	}{
		{name: "creates shut off domain", state: libvirt.DOMAIN_SHUTOFF, wantCalls: []string{"create"}},
		{name: "creates crashed domain", state: libvirt.DOMAIN_CRASHED, wantCalls: []string{"create"}},
		{name: "resumes paused domain", state: libvirt.DOMAIN_PAUSED, wantCalls: []string{"resume"}},
		{name: "running is a no-op", state: libvirt.DOMAIN_RUNNING, wantCalls: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dom := &fakeDomain{name: "master-0", state: tt.state}
			l, _ := newFakeLibvirt(dom)

			require.NoError(t, l.StartNodes(context.Background(), []nodes.Node{{Name: "master-0"}}))
			assert.Equal(t, tt.wantCalls, dom.Calls())
		})
	}
}

func TestLibvirt_DomainPrefixSuffix(t *testing.T) {
	dom := &fakeDomain{name: "ocp-worker-0.lab", state: libvirt.DOMAIN_RUNNING}
	l, _ := newFakeLibvirt(dom)
	l.opts.DomainPrefix = "ocp-"
	l.opts.DomainSuffix = ".lab"

	require.NoError(t, l.StopNodes(context.Background(), []nodes.Node{{Name: "worker-0"}}, true))
	assert.Equal(t, []string{"destroy"}, dom.Calls())
}

func TestLibvirt_ResolveByLease(t *testing.T) {
	target := &fakeDomain{
		name:  "cluster-abc-w0",
		state: libvirt.DOMAIN_RUNNING,
		xml:   domainXML(t, "cluster-abc-w0", "52:54:00:AA:BB:01", "ocp"),
	}
	other := &fakeDomain{
		name:  "cluster-abc-w1",
		state: libvirt.DOMAIN_RUNNING,
		xml:   domainXML(t, "cluster-abc-w1", "52:54:00:aa:bb:02", "ocp"),
	}
	l, hv := newFakeLibvirt(target, other)
	hv.leases["ocp"] = []libvirt.NetworkDHCPLease{
		{Mac: "52:54:00:aa:bb:01", IPaddr: "192.168.130.11"},
		{Mac: "52:54:00:aa:bb:02", IPaddr: "192.168.130.12"},
	}
	node := nodes.Node{Name: "worker-0", InternalIP: "192.168.130.11"}

	mapping, err := l.Resolve(context.Background(), []nodes.Node{node})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"worker-0": "cluster-abc-w0"}, mapping)

	require.NoError(t, l.StopNodes(context.Background(), []nodes.Node{node}, true))
	assert.Equal(t, []string{"destroy"}, target.Calls())
	assert.Empty(t, other.Calls())

	// Leases expire while the node is off; the remembered mapping is used.
	hv.leases["ocp"] = nil
	require.NoError(t, l.StartNodes(context.Background(), []nodes.Node{node}))
	assert.Equal(t, []string{"destroy", "create"}, target.Calls())
}

func TestLibvirt_DomainNotFound(t *testing.T) {
	present := &fakeDomain{name: "worker-0", state: libvirt.DOMAIN_RUNNING}
	l, _ := newFakeLibvirt(present)

	err := l.StopNodes(context.Background(), []nodes.Node{
		{Name: "worker-0"},
		{Name: "worker-9", InternalIP: "10.0.0.99"},
	}, true)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopNode)
	assert.ErrorIs(t, err, ErrDomainNotFound)
	assert.Contains(t, err.Error(), "node=worker-9")
	assert.Equal(t, []string{"destroy"}, present.Calls(), "healthy nodes are still handled")
}

func TestLibvirt_DestroyErrorToleratedWhenDown(t *testing.T) {
	dom := &fakeDomain{
		name:       "worker-0",
		state:      libvirt.DOMAIN_RUNNING,
		destroyErr: errors.New("domain is not running"),
	}
	l, _ := newFakeLibvirt(dom)

	err := l.StopNodes(context.Background(), []nodes.Node{{Name: "worker-0"}}, true)
	require.ErrorIs(t, err, ErrStopNode)

	dom.state = libvirt.DOMAIN_SHUTOFF
	dom.destroyErr = nil
	require.NoError(t, l.StopNodes(context.Background(), []nodes.Node{{Name: "worker-0"}}, true))
}
