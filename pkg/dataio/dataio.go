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

// Package dataio writes payloads into guests and checksums files over SSH.
package dataio

import (
	"context"
	"crypto/md5" //nolint:gosec // md5sum is what guests ship
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/ssh"
	"github.com/alexandremahdhaoui/shutdown-recovery/pkg/retry"
)

const (
	DefaultPattern   = "shutdown-recovery"
	DefaultSizeBytes = 10 << 20
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMalformedOutput  = errors.New("malformed md5sum output")
	ErrInvalidOptions   = errors.New("invalid data io options")
)

var md5Pattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Guest is a machine reachable over SSH.
type Guest interface {
	GuestAddress(ctx context.Context) (string, error)
	String() string
}

// RunnerFactory returns an SSH runner for a guest address.
type RunnerFactory func(address string) (ssh.Runner, error)

// Options configures the payload.
type Options struct {
	// Pattern is repeated, newline separated, up to SizeBytes.
	Pattern   string
	SizeBytes int64
	// Sudo runs every command through sudo.
	Sudo bool
}

func (o Options) withDefaults() Options {
	if o.Pattern == "" {
		o.Pattern = DefaultPattern
	}
	if o.SizeBytes == 0 {
		o.SizeBytes = DefaultSizeBytes
	}
	return o
}

// IO runs data operations inside guests.
type IO struct {
	dial RunnerFactory
	opts Options
}

// New returns an IO.
func New(dial RunnerFactory, opts Options) (*IO, error) {
	opts = opts.withDefaults()
	if opts.SizeBytes < 0 {
		return nil, fmt.Errorf("%w: sizeBytes must be positive, got %d", ErrInvalidOptions, opts.SizeBytes)
	}
	if strings.ContainsAny(opts.Pattern, "\n\x00") {
		return nil, fmt.Errorf("%w: pattern must be a single line", ErrInvalidOptions)
	}
	return &IO{dial: dial, opts: opts}, nil
}

// Payload returns the reader producing the bytes WriteAndChecksum writes.
func (d *IO) Payload() io.Reader {
	return io.LimitReader(&repeater{line: []byte(d.opts.Pattern + "\n")}, d.opts.SizeBytes)
}

// ExpectedChecksum is the md5 of Payload.
func (d *IO) ExpectedChecksum() string {
	h := md5.New() //nolint:gosec
	_, _ = io.Copy(h, d.Payload())
	return hex.EncodeToString(h.Sum(nil))
}

// WriteAndChecksum writes the payload to path inside g, flushes it to disk
// and returns the guest-side md5. With verify the guest checksum must equal
// ExpectedChecksum.
func (d *IO) WriteAndChecksum(ctx context.Context, g Guest, path string, verify bool) (string, error) {
	script := fmt.Sprintf("yes %s | head -c %d > %s && sync && md5sum %s",
		ssh.Quote(d.opts.Pattern), d.opts.SizeBytes, ssh.Quote(path), ssh.Quote(path))

	sum, err := d.md5sum(ctx, g, "sh", "-c", script)
	if err != nil {
		return "", err
	}

	if verify {
		if want := d.ExpectedChecksum(); sum != want {
			return "", fmt.Errorf("%w: guest=%s path=%s want=%s got=%s", ErrChecksumMismatch, g, path, want, sum)
		}
	}

	slog.InfoContext(ctx, "payload written", "guest", g.String(), "path", path, "md5", sum)
	return sum, nil
}

// Checksum returns the md5 of path inside g.
func (d *IO) Checksum(ctx context.Context, g Guest, path string) (string, error) {
	return d.md5sum(ctx, g, "md5sum", path)
}

// Probe runs a no-op command on address.
func (d *IO) Probe(ctx context.Context, address string) error {
	r, err := d.dial(address)
	if err != nil {
		return err
	}
	if _, stderr, err := r.Run(ctx, "true"); err != nil {
		return fmt.Errorf("%w: probe %s: %w: %s", retry.ErrCommandFailed, address, err, strings.TrimSpace(stderr))
	}
	return nil
}

func (d *IO) md5sum(ctx context.Context, g Guest, cmd ...string) (string, error) {
	addr, err := g.GuestAddress(ctx)
	if err != nil {
		return "", err
	}
	r, err := d.dial(addr)
	if err != nil {
		return "", err
	}

	if d.opts.Sudo {
		cmd = append([]string{"sudo"}, cmd...)
	}

	stdout, stderr, err := r.Run(ctx, cmd...)
	if err != nil {
		return "", fmt.Errorf("%w: guest=%s: %w: %s", retry.ErrCommandFailed, g, err, strings.TrimSpace(stderr))
	}
	return parseMD5(stdout)
}

// parseMD5 extracts the digest from "<digest>  <path>".
func parseMD5(stdout string) (string, error) {
	fields := strings.Fields(stdout)
	if len(fields) == 0 || !md5Pattern.MatchString(fields[0]) {
		return "", fmt.Errorf("%w: %q", ErrMalformedOutput, stdout)
	}
	return fields[0], nil
}

type repeater struct {
	line []byte
	off  int
}

func (r *repeater) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		c := copy(p[n:], r.line[r.off:])
		n += c
		r.off = (r.off + c) % len(r.line)
	}
	return n, nil
}
