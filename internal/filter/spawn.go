// Package filter implements the external-filter lifecycle (spec.md §4.5):
// spawning the out-of-process transformation program, feeding it a RETR
// body on one pipe, and relaying its replacement output back to the client
// on another, each side framed and terminated independently.
package filter

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Env is the environment contract §6 specifies for the filter child.
type Env struct {
	FilterMedias string
	FilterMsg    string
	Version      string
	Username     string
	Server       string
}

func (e Env) strings() []string {
	return []string{
		"FILTER_MEDIAS=" + e.FilterMedias,
		"FILTER_MSG=" + e.FilterMsg,
		"POP3_FILTER_VERSION=" + e.Version,
		"POP3_USERNAME=" + e.Username,
		"POP3_SERVER=" + e.Server,
	}
}

// Process is a running filter child: the parent's non-blocking ends of its
// stdin/stdout pipes, ready to be registered with the reactor.
type Process struct {
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File

	StdinFd  int
	StdoutFd int
}

// Spawn starts /bin/bash -c "<command>" with env's variables appended to
// the inherited process environment; they are not written into the command
// string as a prefix. stdin/stdout are non-blocking pipes the caller drives
// from the reactor; stderr is redirected to errLog (append-mode, already
// open).
func Spawn(command string, env Env, errLog *os.File) (*Process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("filter: stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("filter: stdout pipe: %w", err)
	}

	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = errLog
	cmd.Env = append(os.Environ(), env.strings()...)

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("filter: start: %w", err)
	}

	// The child has its own copies of the far ends (dup'd across fork); the
	// parent's copies would otherwise keep the pipes from ever reporting
	// EOF.
	stdinR.Close()
	stdoutW.Close()

	if err := unix.SetNonblock(int(stdinW.Fd()), true); err != nil {
		_ = cmd.Process.Kill()
		stdinW.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("filter: set stdin nonblocking: %w", err)
	}
	if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
		_ = cmd.Process.Kill()
		stdinW.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("filter: set stdout nonblocking: %w", err)
	}

	return &Process{
		cmd:      cmd,
		stdin:    stdinW,
		stdout:   stdoutR,
		StdinFd:  int(stdinW.Fd()),
		StdoutFd: int(stdoutR.Fd()),
	}, nil
}

// CloseStdin closes the parent's write end, signalling EOF to the child.
func (p *Process) CloseStdin() error {
	return p.stdin.Close()
}

// CloseStdout closes the parent's read end.
func (p *Process) CloseStdout() error {
	return p.stdout.Close()
}

// Release reaps the child asynchronously. Exit status is not inspected, per
// the spawn contract.
func (p *Process) Release() {
	go func() {
		_ = p.cmd.Wait()
	}()
}
