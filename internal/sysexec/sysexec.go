// Package sysexec runs the external tools takeover shells out to (lsblk,
// mount, update-grub, shutdown) behind an interface tests can replace.
package sysexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError carries the stderr of a failed command.
type ExitError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exec runs commands on the host.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	slog.Debug("exec_start", "command", command)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		slog.Error("exec_failed", "command", command, "error", err, "stderr", strings.TrimSpace(stderr.String()))
		return stdout.Bytes(), &ExitError{Command: command, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Pretend records commands instead of running them. Output maps a command
// line to canned stdout; Fail maps it to an error.
type Pretend struct {
	mu     sync.Mutex
	calls  []Call
	Output map[string][]byte
	Fail   map[string]error
}

func (p *Pretend) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := Call{Name: name, Args: append([]string(nil), args...)}

	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()

	slog.Info("exec_pretend", "command", c.String())
	if err, ok := p.Fail[c.String()]; ok {
		return nil, &ExitError{Command: c.String(), Err: err}
	}
	return p.Output[c.String()], nil
}

// Calls returns the invocations so far.
func (p *Pretend) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Commands returns the recorded command lines.
func (p *Pretend) Commands() []string {
	calls := p.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}
