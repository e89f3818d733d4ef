package cmd

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/errkind"
)

// execRoot runs the assembled command tree the way main does, with
// output discarded. Only paths that fail before any collaborator is
// built are exercised here; flow tests inject a pipeline instead.
func execRoot(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func TestRootShowsHelp(t *testing.T) {
	err := execRoot(t)
	require.NoError(t, err)
	assert.Equal(t, exitOK, exitCode(err))
}

func TestRootUnknownFlagIsUsage(t *testing.T) {
	err := execRoot(t, "--no-such-flag")
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
}

func TestRootArgCountIsUsage(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"manifest create without name", []string{"manifest", "create"}},
		{"manifest create with two names", []string{"manifest", "create", "a", "b"}},
		{"manifest info without ref", []string{"manifest", "info"}},
		{"manifest apply without ref", []string{"manifest", "apply"}},
		{"release start without version", []string{"release", "start"}},
		{"stage remove without uuid", []string{"stage", "remove", "--manifest", "m"}},
		{"stage info with two uuids", []string{"stage", "info", "--manifest", "m", "a", "b"}},
		{"db sync with argument", []string{"db", "sync", "extra"}},
		{"build with argument", []string{"build", "extra"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := execRoot(t, tc.args...)
			require.Error(t, err)
			assert.Equal(t, errkind.CodeInvalidInput, errkind.CodeOf(err))
			assert.Equal(t, exitInvalid, exitCode(err))
		})
	}
}

func TestRootFlagValidationIsUsage(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"build without descriptor", []string{"build"}, "--file is required"},
		{"manifest create without base", []string{"manifest", "create", "reef-1"}, "--base-release is required"},
		{"patchset add without manifest", []string{"patchset", "add", "--from-json", "x.json"}, "--manifest is required"},
		{"patchset add without source", []string{"patchset", "add", "--manifest", "m"}, "exactly one of"},
		{"patchset add with both sources",
			[]string{"patchset", "add", "--manifest", "m", "--from-json", "x.json", "--from-range", "a..b"},
			"exactly one of"},
		{"stage new without manifest", []string{"stage", "new"}, "--manifest is required"},
		{"stage commit without manifest", []string{"stage", "commit"}, "--manifest is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := execRoot(t, tc.args...)
			require.Error(t, err)
			assert.Equal(t, exitInvalid, exitCode(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

// A missing version descriptor fails during load, before the pipeline
// or any backend is constructed.
func TestBuildMissingDescriptor(t *testing.T) {
	err := execRoot(t, "build", "-f", "/nonexistent/cbs-desc.yaml")
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
}

func TestStageTagFlagValidation(t *testing.T) {
	err := execRoot(t, "stage", "new", "--manifest", "m", "--tag", ":5")
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
	assert.Contains(t, err.Error(), "type must not be empty")
}
