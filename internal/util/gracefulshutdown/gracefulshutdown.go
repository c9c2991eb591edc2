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

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ExitInterrupted is the exit code used when a second signal aborts the
// teardown.
const ExitInterrupted = 130

// GracefulShutdown owns the root context of a command. The first SIGINT or
// SIGTERM cancels the context: the running scenario stops at the next step
// boundary and tears its VMs down. A second signal exits immediately.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	signals     chan os.Signal
	done        chan struct{}
	once        sync.Once
	interrupted atomic.Bool

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// New returns a GracefulShutdown listening for SIGINT and SIGTERM.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// NewWithExit is New with a custom exit function, so tests are not
// terminated by os.Exit.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := context.WithCancel(context.Background())
	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		signals:  make(chan os.Signal, 2),
		done:     make(chan struct{}),
		exitFunc: exitFunc,
	}

	signal.Notify(gs.signals, syscall.SIGTERM, os.Interrupt)
	go gs.watch()
	return gs
}

func (s *GracefulShutdown) watch() {
	for {
		select {
		case <-s.done:
			return
		case sig := <-s.signals:
			if s.interrupted.CompareAndSwap(false, true) {
				slog.Warn("interrupt received, stopping after the current step",
					"name", s.name, "signal", sig.String())
				s.cancel()
				continue
			}
			slog.Error("second interrupt received, exiting without teardown",
				"name", s.name, "signal", sig.String())
			s.exitFunc(ExitInterrupted)
			return
		}
	}
}

// Context returns the root context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// Interrupted reports whether a signal cancelled the context.
func (s *GracefulShutdown) Interrupted() bool {
	return s.interrupted.Load()
}

// Stop unregisters the signal handler and cancels the context. It is safe
// to call Stop more than once.
func (s *GracefulShutdown) Stop() {
	s.once.Do(func() {
		signal.Stop(s.signals)
		s.cancel()
		close(s.done)
	})
}
