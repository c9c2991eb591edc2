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

package ssh

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const dialTimeout = 10 * time.Second

// Client implements the Runner interface for real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
}

// NewClientFromKey creates a new SSH client from an in-memory private key.
func NewClientFromKey(host, user string, privateKey []byte, port string) *Client {
	if port == "" {
		port = "22"
	}
	return &Client{
		Host:       host,
		User:       user,
		PrivateKey: privateKey,
		Port:       port,
	}
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // guests are ephemeral test VMs
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) dial(ctx context.Context, config *ssh.ClientConfig) (*ssh.Client, error) {
	addr := net.JoinHostPort(c.Host, c.Port)
	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// Run executes cmd on the remote host. Arguments are quoted with FormatCmd.
// Cancelling ctx closes the session.
func (c *Client) Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error) {
	config, err := c.config()
	if err != nil {
		return "", "", err
	}

	conn, err := c.dial(ctx, config)
	if err != nil {
		return "", "", err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(FormatCmd(cmd...)) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		return stdoutBuf.String(), stderrBuf.String(), ctx.Err()
	}

	if err != nil {
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("remote command failed: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
