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
	"os/exec"
	"strings"

	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/nodes"
)

var errRunCommand = errors.New("power command failed")

// ExecOptions holds command templates for out-of-band power management such
// as ipmitool or a cloud CLI. The placeholders {name} and {ip} are replaced
// with the node name and internal IP in every argument.
type ExecOptions struct {
	Stop      []string
	ForceStop []string
	Start     []string
	// Parallelism caps concurrent commands. Zero means unbounded.
	Parallelism int
}

// CommandRunner executes a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Exec powers nodes by running external commands.
type Exec struct {
	opts ExecOptions
	run  CommandRunner
}

var _ Controller = (*Exec)(nil)

// NewExec validates opts and returns an Exec controller. A nil runner runs
// commands locally.
func NewExec(opts ExecOptions, runner CommandRunner) (*Exec, error) {
	for name, tmpl := range map[string][]string{
		"stop":      opts.Stop,
		"forceStop": opts.ForceStop,
		"start":     opts.Start,
	} {
		if len(tmpl) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingTemplate, name)
		}
	}
	if runner == nil {
		runner = runCommand
	}
	return &Exec{opts: opts, run: runner}, nil
}

// StopNodes implements Controller.
func (e *Exec) StopNodes(ctx context.Context, ns []nodes.Node, force bool) error {
	tmpl := e.opts.Stop
	if force {
		tmpl = e.opts.ForceStop
	}
	if err := forEach(ctx, ns, e.opts.Parallelism, func(ctx context.Context, n nodes.Node) error {
		return e.exec(ctx, tmpl, n)
	}); err != nil {
		return errors.Join(ErrStopNode, err)
	}
	return nil
}

// StartNodes implements Controller.
func (e *Exec) StartNodes(ctx context.Context, ns []nodes.Node) error {
	if err := forEach(ctx, ns, e.opts.Parallelism, func(ctx context.Context, n nodes.Node) error {
		return e.exec(ctx, e.opts.Start, n)
	}); err != nil {
		return errors.Join(ErrStartNode, err)
	}
	return nil
}

func (e *Exec) exec(ctx context.Context, tmpl []string, n nodes.Node) error {
	args := Expand(tmpl, n)
	slog.InfoContext(ctx, "running power command", "node", n.Name, "cmd", strings.Join(args, " "))

	out, err := e.run(ctx, args[0], args[1:]...)
	if err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", strings.TrimSpace(string(out))), errRunCommand)
	}
	return nil
}

// Expand substitutes the node placeholders in tmpl.
func Expand(tmpl []string, n nodes.Node) []string {
	r := strings.NewReplacer("{name}", n.Name, "{ip}", n.InternalIP)
	out := make([]string, 0, len(tmpl))
	for _, s := range tmpl {
		out = append(out, r.Replace(s))
	}
	return out
}
