// Package sign drives the external signing tools: rpmsign for RPM
// batches and cosign for container images. Signing is opaque to the
// rest of the pipeline beyond success or failure.
package sign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clyso/cbs/internal/errkind"
	"github.com/clyso/cbs/internal/executor"
	"github.com/clyso/cbs/internal/logging"
)

// ErrNoSigningKey reports that no GPG key name is configured.
var ErrNoSigningKey = errors.New("no signing key configured")

// ToolError reports a signing tool that exited non-zero.
type ToolError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Tool, strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping.
func (e *ToolError) Code() errkind.Code { return errkind.CodeExternalTool }

// Error decorates a signing failure with the operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("sign.%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping.
func (e *Error) Code() errkind.Code {
	if errors.Is(e.Err, ErrNoSigningKey) {
		return errkind.CodeInvalidInput
	}
	if c := errkind.CodeOf(e.Err); c != errkind.CodeUnknown {
		return c
	}
	return errkind.CodeExternalTool
}

func newError(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// KeyringSource resolves the private keyring for RPM signing.
// *secrets.Credentials satisfies it.
type KeyringSource interface {
	GPGKeyring(ctx context.Context) ([]byte, error)
}

// Options configures the signer.
type Options struct {
	// GPGName selects the signing key by uid, as rpmsign's _gpg_name.
	GPGName string
	// CosignKey is passed to cosign as --key when set; empty uses
	// cosign's ambient signing configuration.
	CosignKey string
}

// Signer signs RPM batches and container images through external tools.
type Signer struct {
	run   executor.Runner
	creds KeyringSource
	opts  Options
	log   *logging.Logger
}

// New builds a signer. A nil logger disables logging.
func New(run executor.Runner, creds KeyringSource, opts Options, log *logging.Logger) *Signer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Signer{run: run, creds: creds, opts: opts, log: log.WithComponent("sign")}
}

// SignRPMs signs every RPM in paths as one batch. The private keyring
// is imported into a scoped temporary GPG home that is removed before
// returning, so the key never lands in the user's keyring.
func (s *Signer) SignRPMs(ctx context.Context, paths []string) error {
	const op = "rpms"

	if len(paths) == 0 {
		return nil
	}
	if s.opts.GPGName == "" {
		return newError(op, ErrNoSigningKey)
	}

	keyring, err := s.creds.GPGKeyring(ctx)
	if err != nil {
		return newError(op, err)
	}

	home, err := os.MkdirTemp("", "cbs-gnupg-")
	if err != nil {
		return newError(op, err)
	}
	defer os.RemoveAll(home)

	keyFile := filepath.Join(home, "keyring.asc")
	if err := os.WriteFile(keyFile, keyring, 0o600); err != nil {
		return newError(op, err)
	}
	if err := s.tool(ctx, "gpg", []string{"--batch", "--quiet", "--homedir", home, "--import", keyFile}); err != nil {
		return newError(op, err)
	}

	args := []string{
		"--addsign",
		"--define", "_gpg_name " + s.opts.GPGName,
		"--define", "_gpg_path " + home,
	}
	args = append(args, paths...)
	if err := s.tool(ctx, "rpmsign", args); err != nil {
		return newError(op, err)
	}

	s.log.Info("rpms signed", "count", len(paths), "key", s.opts.GPGName)
	return nil
}

// SignImage signs a pushed image reference with cosign.
func (s *Signer) SignImage(ctx context.Context, ref string) error {
	const op = "image"

	args := []string{"sign", "--yes"}
	if s.opts.CosignKey != "" {
		args = append(args, "--key", s.opts.CosignKey)
	}
	args = append(args, ref)

	if err := s.tool(ctx, "cosign", args); err != nil {
		return newError(op, err)
	}
	s.log.Info("image signed", "ref", ref)
	return nil
}

func (s *Signer) tool(ctx context.Context, program string, args []string) error {
	res, err := s.run.Run(ctx, program, args)
	if err != nil {
		return &ToolError{Tool: program, Args: args, Output: resultOutput(res), Err: err}
	}
	return nil
}

func resultOutput(res *executor.Result) string {
	if res == nil {
		return ""
	}
	if out := strings.TrimSpace(res.Stderr); out != "" {
		return out
	}
	return strings.TrimSpace(res.Stdout)
}
