package git

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/executor"
)

type recordedCall struct {
	program string
	args    []string
	options *executor.Options
}

type scriptedResponse struct {
	result *executor.Result
	err    error
}

// fakeRunner replays scripted responses in order and records every call.
type fakeRunner struct {
	calls []recordedCall
	queue []scriptedResponse
}

func (f *fakeRunner) Run(ctx context.Context, program string, args []string, opts ...executor.Option) (*executor.Result, error) {
	options := executor.DefaultOptions()
	for _, o := range opts {
		o(options)
	}
	f.calls = append(f.calls, recordedCall{program: program, args: args, options: options})

	if len(f.queue) == 0 {
		return &executor.Result{}, nil
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.result, next.err
}

func (f *fakeRunner) respond(stdout string) {
	f.queue = append(f.queue, scriptedResponse{result: &executor.Result{Stdout: stdout}})
}

func (f *fakeRunner) fail(stderr string, err error) {
	f.queue = append(f.queue, scriptedResponse{
		result: &executor.Result{Stderr: stderr, ExitCode: 1},
		err:    err,
	})
}

func newPorcelainRepo(fake *fakeRunner) *Repo {
	return &Repo{run: fake, path: "/work/ceph"}
}

func TestCherryPickArgs(t *testing.T) {
	fake := &fakeRunner{}
	r := newPorcelainRepo(fake)
	ctx := context.Background()

	require.NoError(t, r.CherryPick(ctx, "abc123", true, true))
	require.NoError(t, r.CherryPick(ctx, "def456", false, false))
	require.NoError(t, r.CherryPickAbort(ctx))

	require.Len(t, fake.calls, 3)
	assert.Equal(t, []string{"cherry-pick", "-x", "-s", "abc123"}, fake.calls[0].args)
	assert.Equal(t, []string{"cherry-pick", "def456"}, fake.calls[1].args)
	assert.Equal(t, []string{"cherry-pick", "--abort"}, fake.calls[2].args)
	assert.Equal(t, "/work/ceph", fake.calls[0].options.WorkingDir)
}

func TestCherryPickConflictError(t *testing.T) {
	fake := &fakeRunner{}
	cause := errors.New("exit status 1")
	fake.fail("error: could not apply abc123... osd: fix scrub", cause)

	r := newPorcelainRepo(fake)
	err := r.CherryPick(context.Background(), "abc123", true, false)
	require.Error(t, err)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, execErr.Output, "could not apply")
	assert.Contains(t, execErr.Error(), "cherry-pick")
}

func TestAmArgs(t *testing.T) {
	fake := &fakeRunner{}
	r := newPorcelainRepo(fake)
	ctx := context.Background()

	require.NoError(t, r.Am(ctx, "/patches/ceph/all/0001-fix.patch"))
	require.NoError(t, r.AmAbort(ctx))

	require.Len(t, fake.calls, 2)
	assert.Equal(t, []string{"am", "--3way", "/patches/ceph/all/0001-fix.patch"}, fake.calls[0].args)
	assert.Equal(t, []string{"am", "--abort"}, fake.calls[1].args)
	assert.Equal(t, "/work/ceph", fake.calls[0].options.WorkingDir)
}

func TestAmFailure(t *testing.T) {
	fake := &fakeRunner{}
	cause := errors.New("exit status 128")
	fake.fail("error: patch failed: src/osd/OSD.cc:42", cause)

	r := newPorcelainRepo(fake)
	err := r.Am(context.Background(), "/patches/ceph/17.2/0002-osd.patch")
	require.Error(t, err)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, execErr.Output, "patch failed")
}

func TestCherry(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("+ aaa111\n- bbb222\n")

	r := newPorcelainRepo(fake)
	entries, err := r.Cherry(context.Background(), "abc123", "abc123~1")
	require.NoError(t, err)

	assert.Equal(t, []string{"cherry", "HEAD", "abc123", "abc123~1"}, fake.calls[0].args)
	require.Len(t, entries, 2)
	assert.Equal(t, CherryEntry{Upstream: false, SHA: "aaa111"}, entries[0])
	assert.Equal(t, CherryEntry{Upstream: true, SHA: "bbb222"}, entries[1])
}

func TestCherryEmpty(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("")

	r := newPorcelainRepo(fake)
	entries, err := r.Cherry(context.Background(), "abc123", "abc123~1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPatchID(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("commit abc123\ndiff --git a/x b/x\n")
	fake.respond("deadbeefdeadbeef abc123\n")

	r := newPorcelainRepo(fake)
	id, err := r.PatchID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeef", id)

	require.Len(t, fake.calls, 2)
	assert.Equal(t, []string{"show", "abc123"}, fake.calls[0].args)
	assert.Equal(t, []string{"patch-id", "--stable"}, fake.calls[1].args)
	// The diff is piped into patch-id.
	assert.Contains(t, fake.calls[1].options.Input, "diff --git")
}

func TestPatchIDEmptyDiff(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("commit abc123\n")
	fake.respond("")

	r := newPorcelainRepo(fake)
	id, err := r.PatchID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFormatPatch(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("/tmp/out/0001-mds-fix-crash.patch\n/tmp/out/0002-osd-scrub.patch\n")

	r := newPorcelainRepo(fake)
	files, err := r.FormatPatch(context.Background(), "v17.2.6..HEAD", "/tmp/out")
	require.NoError(t, err)

	assert.Equal(t, []string{"format-patch", "-o", "/tmp/out", "v17.2.6..HEAD"}, fake.calls[0].args)
	assert.Equal(t, []string{
		"/tmp/out/0001-mds-fix-crash.patch",
		"/tmp/out/0002-osd-scrub.patch",
	}, files)
}

func TestDescribe(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("v17.2.6-45-gdeadbee\n")

	r := newPorcelainRepo(fake)
	out, err := r.Describe(context.Background(), "v*")
	require.NoError(t, err)
	assert.Equal(t, "v17.2.6-45-gdeadbee", out)
	assert.Equal(t, []string{"describe", "--long", "--tags", "--match", "v*"}, fake.calls[0].args)

	fake.respond("v18.2.0-0-gcafe\n")
	out, err = r.Describe(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "v18.2.0-0-gcafe", out)
	assert.Equal(t, []string{"describe", "--long", "--tags"}, fake.calls[1].args)
}

func TestConflictFiles(t *testing.T) {
	fake := &fakeRunner{}
	fake.respond("src/mds/Locker.cc\nsrc/mds/Locker.h\n")

	r := newPorcelainRepo(fake)
	files, err := r.ConflictFiles(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"diff", "--name-only", "--diff-filter=U"}, fake.calls[0].args)
	assert.Equal(t, []string{"src/mds/Locker.cc", "src/mds/Locker.h"}, files)
}

func TestParseCherrySkipsGarbage(t *testing.T) {
	entries := parseCherry("+ aaa\n\nnonsense\n- bbb\n")
	require.Len(t, entries, 2)
	assert.Equal(t, "aaa", entries[0].SHA)
	assert.Equal(t, "bbb", entries[1].SHA)
}
