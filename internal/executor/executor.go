// Package executor runs external tools (git porcelain, build scripts, signing
// tools, package managers) with output capture, environment management, and
// context support. Cancelling the context kills the child process; the run
// does not return until the process has been reaped.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Result holds the output and error from a command execution.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Err      error
}

// Runner abstracts command execution so exec-backed code can be tested with
// fakes.
type Runner interface {
	// Run executes program with args and returns the captured result. A
	// non-zero exit is an error; the Result is returned alongside it.
	Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error)
}

// Options configures command execution behavior.
type Options struct {
	// Output handling
	CaptureStdout   bool
	CaptureStderr   bool
	CaptureCombined bool

	// Working directory
	WorkingDir string

	// Environment variables (appended to current env)
	Env map[string]string

	// Stdin content
	Input string

	// Custom stdout/stderr writers, receiving output in addition to capture
	StdoutWriter io.Writer
	StderrWriter io.Writer
}

// Option is a function that modifies Options.
type Option func(*Options)

// DefaultOptions returns default execution options.
func DefaultOptions() *Options {
	return &Options{
		CaptureStdout: true,
		CaptureStderr: true,
		Env:           make(map[string]string),
	}
}

// WithWorkingDir sets the working directory.
func WithWorkingDir(dir string) Option {
	return func(o *Options) {
		o.WorkingDir = dir
	}
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithEnvVar adds a single environment variable.
func WithEnvVar(key, value string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithInput provides stdin content to the command.
func WithInput(input string) Option {
	return func(o *Options) {
		o.Input = input
	}
}

// WithCombined captures interleaved stdout+stderr instead of separate streams.
func WithCombined() Option {
	return func(o *Options) {
		o.CaptureCombined = true
	}
}

// WithStdoutWriter sets a custom stdout writer.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *Options) {
		o.StdoutWriter = w
	}
}

// WithStderrWriter sets a custom stderr writer.
func WithStderrWriter(w io.Writer) Option {
	return func(o *Options) {
		o.StderrWriter = w
	}
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

// NewRunner returns the default exec-backed runner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	cmd := exec.CommandContext(ctx, program, args...)
	setupCommand(cmd, options)
	stdoutBuf, stderrBuf, combinedBuf := setupOutputCapture(cmd, options)

	err := cmd.Run()
	result := createResult(stdoutBuf, stderrBuf, combinedBuf, err)

	if err != nil {
		return result, fmt.Errorf("%s %s: %w", program, strings.Join(args, " "), err)
	}
	return result, nil
}

// setupCommand configures the exec.Cmd with working directory, environment,
// and input.
func setupCommand(cmd *exec.Cmd, options *Options) {
	if options.WorkingDir != "" {
		cmd.Dir = options.WorkingDir
	}

	if len(options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range options.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if options.Input != "" {
		cmd.Stdin = strings.NewReader(options.Input)
	}
}

// setupOutputCapture configures stdout and stderr writers for the command.
func setupOutputCapture(cmd *exec.Cmd, options *Options) (*bytes.Buffer, *bytes.Buffer, *bytes.Buffer) {
	var stdoutBuf, stderrBuf, combinedBuf bytes.Buffer

	stdoutWriters := []io.Writer{}
	if options.CaptureCombined {
		stdoutWriters = append(stdoutWriters, &combinedBuf)
	} else if options.CaptureStdout {
		stdoutWriters = append(stdoutWriters, &stdoutBuf)
	}
	if options.StdoutWriter != nil {
		stdoutWriters = append(stdoutWriters, options.StdoutWriter)
	}
	if len(stdoutWriters) > 0 {
		cmd.Stdout = io.MultiWriter(stdoutWriters...)
	}

	stderrWriters := []io.Writer{}
	if options.CaptureCombined {
		stderrWriters = append(stderrWriters, &combinedBuf)
	} else if options.CaptureStderr {
		stderrWriters = append(stderrWriters, &stderrBuf)
	}
	if options.StderrWriter != nil {
		stderrWriters = append(stderrWriters, options.StderrWriter)
	}
	if len(stderrWriters) > 0 {
		cmd.Stderr = io.MultiWriter(stderrWriters...)
	}

	return &stdoutBuf, &stderrBuf, &combinedBuf
}

// createResult creates a Result from command execution and error.
func createResult(stdoutBuf, stderrBuf, combinedBuf *bytes.Buffer, err error) *Result {
	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Combined: combinedBuf.String(),
		Err:      err,
	}

	var exitErr *exec.ExitError
	switch {
	case err != nil && errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case err == nil:
		result.ExitCode = 0
	default:
		result.ExitCode = -1
	}

	return result
}
