// Package sshpoll collects snapshots from hosts that cannot run the agent
// (routers, NAS boxes, legacy hosts) by reading /proc over SSH.
package sshpoll

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vesaa/talonpulse/internal/config"
)

// Runner executes shell commands on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Client wraps an authenticated SSH connection.
type Client struct {
	client *ssh.Client
	host   string
}

// Dial connects to t with key and/or password authentication.
func Dial(ctx context.Context, t config.SSHTarget) (Runner, error) {
	var authMethods []ssh.AuthMethod

	if t.KeyPath != "" {
		keyPEM, err := os.ReadFile(config.ExpandHome(t.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("reading SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		authMethods = append(authMethods, ssh.Password(t.Password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("ssh %s: no key_path or password configured", t.Host)
	}

	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: verify against known_hosts
		Timeout:         15 * time.Second,
	}

	addr := t.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	type result struct {
		c   *ssh.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		done <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("SSH dial %s: %w", addr, r.err)
		}
		return &Client{client: r.c, host: t.Host}, nil
	}
}

// Close cleanly shuts down the SSH connection.
func (s *Client) Close() error { return s.client.Close() }

// Run executes a command and returns its stdout. The session is closed if
// ctx ends first.
func (s *Client) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	out, err := sess.Output(cmd)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return string(out), fmt.Errorf("ssh %s %q: %w", s.host, cmd, err)
	}
	return string(out), nil
}
