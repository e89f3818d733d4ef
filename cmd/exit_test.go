package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/errkind"
	"github.com/clyso/cbs/internal/manifest"
)

func kindErr(code errkind.Code) error {
	return &exitError{code: code, err: errors.New("boom")}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil is success", nil, exitOK},
		{"not found", kindErr(errkind.CodeNotFound), exitNotFound},
		{"already exists", kindErr(errkind.CodeAlreadyExists), exitExists},
		{"conflict", kindErr(errkind.CodeConflict), exitExists},
		{"precondition", kindErr(errkind.CodePrecondition), exitPrecondition},
		{"invalid input", kindErr(errkind.CodeInvalidInput), exitInvalid},
		{"malformed", kindErr(errkind.CodeMalformed), exitInvalid},
		{"external tool", kindErr(errkind.CodeExternalTool), exitExternal},
		{"build failed", kindErr(errkind.CodeBuildFailed), exitExternal},
		{"publish failed", kindErr(errkind.CodePublishFailed), exitExternal},
		{"transport", kindErr(errkind.CodeTransport), exitExternal},
		{"timeout", kindErr(errkind.CodeTimeout), exitTimeout},
		{"canceled", kindErr(errkind.CodeCanceled), exitCanceled},
		{"deadline exceeded", context.DeadlineExceeded, exitTimeout},
		{"context canceled", context.Canceled, exitCanceled},
		{"unclassified", errors.New("boom"), exitInternal},
		{"wrapped keeps its kind", fmt.Errorf("run: %w", kindErr(errkind.CodeNotFound)), exitNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

// The inner packages classify their own failures; the mapper must honor
// those codes without knowing the types.
func TestExitCodeInnerPackages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"db record missing", &db.Error{Op: "load", Key: "k", Err: db.ErrNotFound}, exitNotFound},
		{"db record corrupt", &db.Error{Op: "load", Key: "k", Err: db.ErrMalformed}, exitInvalid},
		{"db patch collision", &db.Error{Op: "store", Key: "k", Err: db.ErrPatchExists}, exitExists},
		{"manifest name taken", &manifest.Error{Op: "create", Manifest: "m", Err: manifest.ErrNameTaken}, exitExists},
		{"manifest stage missing", &manifest.Error{Op: "amend", Manifest: "m", Err: manifest.ErrNoActiveStage}, exitNotFound},
		{"manifest stage empty", &manifest.Error{Op: "commit", Manifest: "m", Err: manifest.ErrEmptyActiveStage}, exitInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestUsageHelpers(t *testing.T) {
	require.NoError(t, usage(nil))

	err := usage(errors.New("bad flag"))
	assert.Equal(t, errkind.CodeInvalidInput, errkind.CodeOf(err))
	assert.EqualError(t, err, "bad flag")
	assert.EqualError(t, errors.Unwrap(err), "bad flag")

	assert.Equal(t, exitExists, exitCode(conflict(errors.New("dup"))))
	assert.Equal(t, exitPrecondition, exitCode(precondition(errors.New("not yet"))))
}
