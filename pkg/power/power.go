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

// Package power stops and starts the machines backing cluster nodes.
//
// Nodes passed to a single StopNodes or StartNodes call are handled
// concurrently. Ordering between roles is the caller's responsibility: a call
// returns only once every node in it has been handled.
package power

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStopNode        = errors.New("failed to stop node")
	ErrStartNode       = errors.New("failed to start node")
	ErrDomainNotFound  = errors.New("no libvirt domain backs node")
	ErrUnknownBackend  = errors.New("unknown power backend")
	ErrMissingTemplate = errors.New("missing command template")
)

// Controller powers cluster nodes off and on.
type Controller interface {
	// StopNodes powers off every node. force selects an abrupt power-off
	// instead of an orderly guest shutdown. Nodes already off are not an error.
	StopNodes(ctx context.Context, ns []nodes.Node, force bool) error
	// StartNodes powers on every node. Nodes already running are not an error.
	StartNodes(ctx context.Context, ns []nodes.Node) error
}

// forEach runs fn for every node, at most limit at a time, and joins every
// failure. limit <= 0 means no limit.
func forEach(ctx context.Context, ns []nodes.Node, limit int, fn func(context.Context, nodes.Node) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, n := range ns {
		g.Go(func() error {
			if err := fn(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("node=%s: %w", n.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
