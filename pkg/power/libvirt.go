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

package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"k8s.io/apimachinery/pkg/util/wait"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

const (
	DefaultLibvirtURI      = "qemu:///system"
	DefaultGracefulTimeout = 5 * time.Minute
	DefaultPollInterval    = 5 * time.Second
)

var (
	errConnectLibvirt  = errors.New("failed to connect to libvirt")
	errGetDomainState  = errors.New("failed to get domain state")
	errShutdownDomain  = errors.New("failed to shut down domain")
	errDestroyDomain   = errors.New("failed to destroy domain")
	errCreateDomain    = errors.New("failed to create domain")
	errResumeDomain    = errors.New("failed to resume domain")
	errListDomains     = errors.New("failed to list domains")
	errGetDomainXML    = errors.New("failed to get domain XML")
	errParseDomainXML  = errors.New("failed to parse domain XML")
	errListDHCPLeases  = errors.New("failed to list DHCP leases")
	errTimeoutShutdown = errors.New("timed out waiting for domain to shut off")
)

// LibvirtOptions configures the libvirt power backend.
type LibvirtOptions struct {
	// URI of the hypervisor. Defaults to DefaultLibvirtURI.
	URI string
	// DomainPrefix and DomainSuffix map a node name to a domain name.
	DomainPrefix string
	DomainSuffix string
	// GracefulTimeout bounds the wait for an ACPI shutdown before the domain
	// is destroyed.
	GracefulTimeout time.Duration
	// PollInterval is the domain state poll period.
	PollInterval time.Duration
	// Parallelism caps concurrent domain operations. Zero means unbounded.
	Parallelism int
}

func (o LibvirtOptions) withDefaults() LibvirtOptions {
	if o.URI == "" {
		o.URI = DefaultLibvirtURI
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = DefaultGracefulTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// domain is the subset of *libvirt.Domain used by this package.
type domain interface {
	GetName() (string, error)
	GetState() (libvirt.DomainState, int, error)
	GetXMLDesc(flags libvirt.DomainXMLFlags) (string, error)
	Shutdown() error
	Destroy() error
	Create() error
	Resume() error
	Free() error
}

// hypervisor is the subset of *libvirt.Connect used by this package.
type hypervisor interface {
	// LookupDomain returns ErrDomainNotFound when no domain has that name.
	LookupDomain(name string) (domain, error)
	ListDomains() ([]domain, error)
	DHCPLeases(network string) ([]libvirt.NetworkDHCPLease, error)
	Close() error
}

type connect struct {
	conn *libvirt.Connect
}

func (c connect) LookupDomain(name string) (domain, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, fmt.Errorf("%w: domain=%s", ErrDomainNotFound, name)
		}
		return nil, err
	}
	return dom, nil
}

func (c connect) ListDomains() ([]domain, error) {
	doms, err := c.conn.ListAllDomains(0)
	if err != nil {
		return nil, err
	}
	out := make([]domain, 0, len(doms))
	for i := range doms {
		out = append(out, &doms[i])
	}
	return out, nil
}

func (c connect) DHCPLeases(network string) ([]libvirt.NetworkDHCPLease, error) {
	net, err := c.conn.LookupNetworkByName(network)
	if err != nil {
		return nil, err
	}
	defer func() { _ = net.Free() }()
	return net.GetDHCPLeases()
}

func (c connect) Close() error {
	_, err := c.conn.Close()
	return err
}

// Libvirt powers nodes that run as libvirt domains.
//
// A node maps to the domain named DomainPrefix+node+DomainSuffix. When no
// such domain exists, the domain whose interface holds a DHCP lease for the
// node's InternalIP is used. Resolved mappings are remembered so that nodes
// can be started after their leases are gone.
type Libvirt struct {
	hv   hypervisor
	opts LibvirtOptions

	mu       sync.Mutex
	resolved map[string]string
}

var _ Controller = (*Libvirt)(nil)

// NewLibvirt connects to the hypervisor at opts.URI.
func NewLibvirt(opts LibvirtOptions) (*Libvirt, error) {
	opts = opts.withDefaults()

	conn, err := libvirt.NewConnect(opts.URI)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", opts.URI), errConnectLibvirt)
	}

	return newLibvirt(connect{conn: conn}, opts), nil
}

func newLibvirt(hv hypervisor, opts LibvirtOptions) *Libvirt {
	return &Libvirt{
		hv:       hv,
		opts:     opts.withDefaults(),
		resolved: make(map[string]string),
	}
}

// Close releases the hypervisor connection.
func (l *Libvirt) Close() error {
	return l.hv.Close()
}

// Resolve returns the name of the domain backing each node.
func (l *Libvirt) Resolve(ctx context.Context, ns []nodes.Node) (map[string]string, error) {
	out := make(map[string]string, len(ns))
	var errs []error
	for _, n := range ns {
		dom, err := l.lookup(ctx, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("node=%s: %w", n.Name, err))
			continue
		}
		name, err := dom.GetName()
		_ = dom.Free()
		if err != nil {
			errs = append(errs, fmt.Errorf("node=%s: %w", n.Name, err))
			continue
		}
		out[n.Name] = name
	}
	return out, errors.Join(errs...)
}

// StopNodes implements Controller.
func (l *Libvirt) StopNodes(ctx context.Context, ns []nodes.Node, force bool) error {
	if err := forEach(ctx, ns, l.opts.Parallelism, func(ctx context.Context, n nodes.Node) error {
		return l.stop(ctx, n, force)
	}); err != nil {
		return errors.Join(ErrStopNode, err)
	}
	return nil
}

// StartNodes implements Controller.
func (l *Libvirt) StartNodes(ctx context.Context, ns []nodes.Node) error {
	if err := forEach(ctx, ns, l.opts.Parallelism, l.start); err != nil {
		return errors.Join(ErrStartNode, err)
	}
	return nil
}

func (l *Libvirt) stop(ctx context.Context, n nodes.Node, force bool) error {
	dom, err := l.lookup(ctx, n)
	if err != nil {
		return err
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(err, errGetDomainState)
	}
	if isDown(state) {
		slog.InfoContext(ctx, "node already powered off", "node", n.Name)
		return nil
	}

	if force {
		slog.InfoContext(ctx, "powering off node", "node", n.Name, "force", true)
		return destroy(dom)
	}

	slog.InfoContext(ctx, "shutting down node", "node", n.Name, "force", false)
	if err := dom.Shutdown(); err != nil {
		if down, _ := l.isDownNow(dom); down {
			return nil
		}
		return errors.Join(err, errShutdownDomain)
	}

	if err := l.awaitShutoff(ctx, dom); err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.WarnContext(ctx, "guest ignored shutdown request, destroying domain",
			"node", n.Name,
			"timeout", l.opts.GracefulTimeout.String())
		return destroy(dom)
	}
	return nil
}

func (l *Libvirt) start(ctx context.Context, n nodes.Node) error {
	dom, err := l.lookup(ctx, n)
	if err != nil {
		return err
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(err, errGetDomainState)
	}

	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		slog.InfoContext(ctx, "node already running", "node", n.Name)
		return nil
	case libvirt.DOMAIN_PAUSED:
		slog.InfoContext(ctx, "resuming node", "node", n.Name)
		if err := dom.Resume(); err != nil {
			return errors.Join(err, errResumeDomain)
		}
		return nil
	default:
		slog.InfoContext(ctx, "powering on node", "node", n.Name)
		if err := dom.Create(); err != nil {
			return errors.Join(err, errCreateDomain)
		}
		return nil
	}
}

func (l *Libvirt) awaitShutoff(ctx context.Context, dom domain) error {
	err := wait.PollUntilContextTimeout(ctx, l.opts.PollInterval, l.opts.GracefulTimeout, true,
		func(context.Context) (bool, error) {
			return l.isDownNow(dom)
		})
	if err != nil && ctx.Err() == nil {
		return errors.Join(err, errTimeoutShutdown)
	}
	return err
}

func (l *Libvirt) isDownNow(dom domain) (bool, error) {
	state, _, err := dom.GetState()
	if err != nil {
		return false, errors.Join(err, errGetDomainState)
	}
	return isDown(state), nil
}

func destroy(dom domain) error {
	if err := dom.Destroy(); err != nil {
		if state, _, serr := dom.GetState(); serr == nil && isDown(state) {
			return nil
		}
		return errors.Join(err, errDestroyDomain)
	}
	return nil
}

func isDown(state libvirt.DomainState) bool {
	return state == libvirt.DOMAIN_SHUTOFF || state == libvirt.DOMAIN_CRASHED
}

func (l *Libvirt) lookup(ctx context.Context, n nodes.Node) (domain, error) {
	l.mu.Lock()
	cached, ok := l.resolved[n.Name]
	l.mu.Unlock()
	if ok {
		return l.hv.LookupDomain(cached)
	}

	name := l.opts.DomainPrefix + n.Name + l.opts.DomainSuffix
	dom, err := l.hv.LookupDomain(name)
	if err == nil {
		l.remember(n.Name, name)
		return dom, nil
	}
	if !errors.Is(err, ErrDomainNotFound) {
		return nil, err
	}

	if n.InternalIP == "" {
		return nil, fmt.Errorf("%w: domain=%s", ErrDomainNotFound, name)
	}

	dom, err = l.lookupByLease(ctx, n)
	if err != nil {
		return nil, err
	}
	if resolved, err := dom.GetName(); err == nil {
		l.remember(n.Name, resolved)
	}
	return dom, nil
}

func (l *Libvirt) remember(node, dom string) {
	l.mu.Lock()
	l.resolved[node] = dom
	l.mu.Unlock()
}

// lookupByLease finds the domain with an interface leased n.InternalIP.
func (l *Libvirt) lookupByLease(ctx context.Context, n nodes.Node) (domain, error) {
	doms, err := l.hv.ListDomains()
	if err != nil {
		return nil, errors.Join(err, errListDomains)
	}

	leases := make(map[string][]libvirt.NetworkDHCPLease)
	var match domain
	for _, dom := range doms {
		if match != nil {
			_ = dom.Free()
			continue
		}

		ok, err := l.holdsLease(dom, n.InternalIP, leases)
		if err != nil {
			slog.DebugContext(ctx, "skipping domain", "node", n.Name, "err", err.Error())
		}
		if ok {
			match = dom
			continue
		}
		_ = dom.Free()
	}

	if match == nil {
		return nil, fmt.Errorf("%w: internalIP=%s", ErrDomainNotFound, n.InternalIP)
	}
	return match, nil
}

func (l *Libvirt) holdsLease(
	dom domain,
	ip string,
	cache map[string][]libvirt.NetworkDHCPLease,
) (bool, error) {
	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return false, errors.Join(err, errGetDomainXML)
	}

	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(desc); err != nil {
		return false, errors.Join(err, errParseDomainXML)
	}
	if def.Devices == nil {
		return false, nil
	}

	for _, iface := range def.Devices.Interfaces {
		if iface.MAC == nil || iface.Source == nil || iface.Source.Network == nil {
			continue
		}

		network := iface.Source.Network.Network
		leases, ok := cache[network]
		if !ok {
			leases, err = l.hv.DHCPLeases(network)
			if err != nil {
				return false, errors.Join(err, fmt.Errorf("network=%s", network), errListDHCPLeases)
			}
			cache[network] = leases
		}

		for _, lease := range leases {
			if strings.EqualFold(lease.Mac, iface.MAC.Address) && lease.IPaddr == ip {
				return true, nil
			}
		}
	}
	return false, nil
}
