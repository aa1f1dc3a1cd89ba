// Copyright 2025 The Opsforge Authors
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

// Package sshexec runs command and script jobs on remote hosts. Credentials
// come from the host row when present, otherwise from the SSH section of the
// service config. Host key checking honors the per-host policy.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

// Result is the outcome of one remote execution. Output interleaves stdout
// and stderr in arrival order.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// TimedOut reports whether the execution was killed by the command timeout.
func (r *Result) TimedOut() bool {
	return r.ExitCode == protocol.ExitCodeTimeout
}

// Executor opens SSH sessions against job target hosts.
type Executor struct {
	cfg    config.SSHConfig
	logger *slog.Logger
}

// New creates an executor.
func New(cfg config.SSHConfig, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger}
}

// Execute runs a single command on the host. timeoutSecs <= 0 takes the
// configured command timeout.
func (e *Executor) Execute(ctx context.Context, host *store.Host, command string, timeoutSecs int) (*Result, error) {
	return e.run(ctx, host, command, "", timeoutSecs)
}

// ExecuteScript streams the script to a remote shell over stdin.
func (e *Executor) ExecuteScript(ctx context.Context, host *store.Host, script string, timeoutSecs int) (*Result, error) {
	return e.run(ctx, host, "/bin/sh -s", script, timeoutSecs)
}

func (e *Executor) run(ctx context.Context, host *store.Host, command, stdin string, timeoutSecs int) (*Result, error) {
	clientCfg, err := e.clientConfig(host)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", host.Port))
	client, err := dial(ctx, addr, clientCfg)
	if err != nil {
		return nil, apperror.SSH("connect", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, apperror.SSH("session", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	timeout := time.Duration(timeoutSecs) * time.Second
	if timeoutSecs <= 0 {
		timeout = time.Duration(e.cfg.CommandTimeoutSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	if err := session.Start(command); err != nil {
		return nil, apperror.SSH("exec", err)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-runCtx.Done():
		// remote process may linger; closing the session tears the channel down
		session.Close()
		<-done
		e.logger.Warn("remote command timed out",
			"host", host.Name, "timeout_secs", int(timeout.Seconds()))
		return &Result{
			ExitCode: protocol.ExitCodeTimeout,
			Output:   out.String(),
			Duration: time.Since(start),
		}, nil
	case err := <-done:
		result := &Result{Output: out.String(), Duration: time.Since(start)}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, apperror.SSH("exec", err)
		}
		return result, nil
	}
}

// dial respects the context deadline during the TCP connect and handshake.
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *Executor) clientConfig(host *store.Host) (*ssh.ClientConfig, error) {
	user := host.SSHUser
	if user == "" {
		user = e.cfg.DefaultUsername
	}
	if user == "" {
		return nil, apperror.Validation("no ssh user configured for host")
	}

	auth, err := e.authMethods(host)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := e.hostKeyCallback(host)
	if err != nil {
		return nil, err
	}

	connectTimeout := time.Duration(e.cfg.ConnectTimeoutSecs) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}, nil
}

// authMethods prefers the per-host credential; a PEM block means key auth,
// anything else is treated as a password.
func (e *Executor) authMethods(host *store.Host) ([]ssh.AuthMethod, error) {
	if host.SSHCredential != "" {
		if IsPrivateKey(host.SSHCredential) {
			signer, err := ssh.ParsePrivateKey([]byte(host.SSHCredential))
			if err != nil {
				return nil, apperror.SSH("auth", err)
			}
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
		}
		return []ssh.AuthMethod{ssh.Password(host.SSHCredential)}, nil
	}

	var methods []ssh.AuthMethod
	if key := e.cfg.DefaultPrivateKey.Expose(); key != "" {
		var signer ssh.Signer
		var err error
		if passphrase := e.cfg.PrivateKeyPassphrase.Expose(); passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, apperror.SSH("auth", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := e.cfg.DefaultPassword.Expose(); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, apperror.Validation("no ssh credentials configured for host")
	}
	return methods, nil
}

// hostKeyCallback maps the host policy: strict verifies against the known
// hosts file, accept and disabled skip verification (accept logs a notice).
func (e *Executor) hostKeyCallback(host *store.Host) (ssh.HostKeyCallback, error) {
	policy := host.HostKeyPolicy
	if policy == "" {
		policy = e.cfg.HostKeyVerification
	}

	switch policy {
	case store.HostKeyStrict:
		if e.cfg.KnownHostsFile == "" {
			return nil, apperror.Validation("strict host key policy requires a known_hosts file")
		}
		cb, err := knownhosts.New(e.cfg.KnownHostsFile)
		if err != nil {
			return nil, apperror.SSH("hostkey", err)
		}
		return cb, nil
	case store.HostKeyAccept:
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			e.logger.Info("accepting unverified host key",
				"host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}, nil
	case store.HostKeyDisabled:
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, apperror.Validationf("unknown host key policy %q", policy)
	}
}

// IsPrivateKey reports whether a credential looks like a PEM private key.
func IsPrivateKey(credential string) bool {
	return strings.HasPrefix(strings.TrimSpace(credential), "-----BEGIN")
}
