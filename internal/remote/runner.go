/*
Copyright 2026 Damir Manapov

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

// Package remote executes commands on deployment VMs over SSH with explicit
// timeouts. Hosts are throwaway benchmark machines recreated between trials,
// so host keys are not pinned.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	sshPort        = "22"
	connectTimeout = 10 * time.Second
)

// ExecResult captures one remote command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns combined stdout and stderr, mirroring what an operator
// would see on the terminal.
func (r ExecResult) Output() string {
	return r.Stdout + r.Stderr
}

// Runner dials deployment VMs and runs commands. A Runner is safe for
// sequential reuse across trials; it opens one connection per command so a
// recreated VM (new host, same address) never hits a stale session.
type Runner struct {
	user    string
	signer  ssh.Signer
	bastion string
	log     *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBastion routes connections through a jump host, for deployments whose
// service nodes only have internal addresses.
func WithBastion(addr string) RunnerOption {
	return func(r *Runner) { r.bastion = addr }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(log *zap.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner builds a Runner authenticating as user with the private key at
// keyPath.
func NewRunner(user, keyPath string, opts ...RunnerOption) (*Runner, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}
	r := &Runner{user: user, signer: signer, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetBastion updates the jump host after the deployment's entry point is
// known (the benchmark VM is created before the service nodes are).
func (r *Runner) SetBastion(addr string) {
	r.bastion = addr
}

func (r *Runner) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
}

// dial opens an SSH client to addr, hopping through the bastion when one is
// configured and addr is not the bastion itself.
func (r *Runner) dial(addr string) (*ssh.Client, *ssh.Client, error) {
	target := net.JoinHostPort(addr, sshPort)

	if r.bastion == "" || r.bastion == addr {
		client, err := ssh.Dial("tcp", target, r.clientConfig())
		return client, nil, err
	}

	hop, err := ssh.Dial("tcp", net.JoinHostPort(r.bastion, sshPort), r.clientConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("dialing bastion %s: %w", r.bastion, err)
	}
	conn, err := hop.Dial("tcp", target)
	if err != nil {
		hop.Close()
		return nil, nil, fmt.Errorf("dialing %s via bastion: %w", addr, err)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, target, r.clientConfig())
	if err != nil {
		hop.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(cc, chans, reqs), hop, nil
}

// Run executes command on addr, bounded by timeout. The exit code of the
// remote command is returned in the result; a non-zero exit is not an error.
// An error means the command could not be run or did not finish in time.
func (r *Runner) Run(ctx context.Context, addr, command string, timeout time.Duration) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, hop, err := r.dial(addr)
	if err != nil {
		return ExecResult{}, err
	}
	defer client.Close()
	if hop != nil {
		defer hop.Close()
	}

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("opening ssh session to %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	r.log.Debug("running remote command", zap.String("addr", addr), zap.String("command", command))

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks the Run goroutine.
		session.Close()
		return ExecResult{}, fmt.Errorf("command on %s timed out after %s: %w", addr, timeout, ctx.Err())
	case err = <-done:
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("running command on %s: %w", addr, err)
	}
	return res, nil
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// Reachable reports whether addr answers a trivial command. Used to decide
// whether a deployment recorded in state actually exists.
func (r *Runner) Reachable(ctx context.Context, addr string) bool {
	res, err := r.Run(ctx, addr, "echo ok", connectTimeout)
	return err == nil && res.ExitCode == 0
}
