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

// Package nodes enumerates cluster nodes by role and waits for them to
// report Ready.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ErrNodeStatusMismatch is returned when nodes do not reach the Ready state.
var ErrNodeStatusMismatch = errors.New("node status mismatch")

// ErrUnknownRole is returned for roles other than RoleWorker and RoleMaster.
var ErrUnknownRole = errors.New("unknown node role")

const (
	labelRolePrefix       = "node-role.kubernetes.io/"
	labelRoleMaster       = labelRolePrefix + "master"
	labelRoleControlPlane = labelRolePrefix + "control-plane"

	// DefaultPollInterval is used by WaitForReady when the Lister has none.
	DefaultPollInterval = 10 * time.Second
)

// Role classifies a node.
type Role string

const (
	RoleWorker Role = "worker"
	RoleMaster Role = "master"
)

// Node is the subset of a corev1.Node the recovery procedure acts on.
type Node struct {
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	InternalIP string `json:"internalIP,omitempty"`
	Ready      bool   `json:"ready"`
}

// Set holds disjoint worker and master collections.
type Set struct {
	Workers []Node `json:"workers"`
	Masters []Node `json:"masters"`
}

// Names returns the node names in s, workers first.
func (s Set) Names() []string {
	out := make([]string, 0, len(s.Workers)+len(s.Masters))
	for _, n := range s.Workers {
		out = append(out, n.Name)
	}
	for _, n := range s.Masters {
		out = append(out, n.Name)
	}
	return out
}

// RoleOf classifies n. A node labelled master or control-plane is a master
// even when it also carries the worker label.
func RoleOf(n *corev1.Node) Role {
	if _, ok := n.Labels[labelRoleMaster]; ok {
		return RoleMaster
	}
	if _, ok := n.Labels[labelRoleControlPlane]; ok {
		return RoleMaster
	}
	return RoleWorker
}

// IsReady reports whether the NodeReady condition is True.
func IsReady(n *corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func fromCoreV1(n *corev1.Node) Node {
	out := Node{
		Name:  n.Name,
		Role:  RoleOf(n),
		Ready: IsReady(n),
	}
	for _, addr := range n.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			out.InternalIP = addr.Address
			break
		}
	}
	return out
}

// Lister reads nodes from the cluster.
type Lister struct {
	c        client.Reader
	interval time.Duration
}

// NewLister returns a Lister. interval is the WaitForReady poll period; zero
// selects DefaultPollInterval.
func NewLister(c client.Reader, interval time.Duration) *Lister {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Lister{c: c, interval: interval}
}

func (l *Lister) list(ctx context.Context) ([]Node, error) {
	list := &corev1.NodeList{}
	if err := l.c.List(ctx, list); err != nil {
		return nil, fmt.Errorf("%w: listing nodes: %w", retry.ErrCommandFailed, err)
	}

	out := make([]Node, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, fromCoreV1(&list.Items[i]))
	}
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// List returns the nodes holding role, sorted by name.
func (l *Lister) List(ctx context.Context, role Role) ([]Node, error) {
	if role != RoleWorker && role != RoleMaster {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	all, err := l.list(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Node, 0, len(all))
	for _, n := range all {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out, nil
}

// ListSet returns every node split by role.
func (l *Lister) ListSet(ctx context.Context) (Set, error) {
	all, err := l.list(ctx)
	if err != nil {
		return Set{}, err
	}

	var set Set
	for _, n := range all {
		if n.Role == RoleMaster {
			set.Masters = append(set.Masters, n)
		} else {
			set.Workers = append(set.Workers, n)
		}
	}
	return set, nil
}

// WaitForReady polls until every node is Ready or timeout elapses. List
// failures are not fatal while polling. On timeout the returned error wraps
// ErrNodeStatusMismatch and names the nodes still not ready.
func (l *Lister) WaitForReady(ctx context.Context, timeout time.Duration) error {
	var (
		notReady []string
		lastErr  error
	)

	err := wait.PollUntilContextTimeout(ctx, l.interval, timeout, true, func(ctx context.Context) (bool, error) {
		all, err := l.list(ctx)
		if err != nil {
			lastErr = err
			slog.DebugContext(ctx, "listing nodes failed while waiting for readiness", "err", err.Error())
			return false, nil
		}
		lastErr = nil

		notReady = notReady[:0]
		for _, n := range all {
			if !n.Ready {
				notReady = append(notReady, n.Name)
			}
		}
		if len(all) == 0 {
			notReady = append(notReady, "<no nodes>")
		}
		return len(notReady) == 0, nil
	})
	if err == nil {
		slog.InfoContext(ctx, "all nodes are ready")
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", lastErr, err)
	}
	return fmt.Errorf("%w: not ready after %s: %s: %w",
		ErrNodeStatusMismatch, timeout, strings.Join(notReady, ", "), err)
}
