package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/errkind"
	"github.com/clyso/cbs/internal/model"
)

func testBuildEntry(arch string) model.ReleaseBuildEntry {
	return model.ReleaseBuildEntry{
		Arch:      arch,
		BuildType: "rpm",
		OSVersion: "el9",
		Components: map[string]model.ReleaseComponentVersion{
			"ceph": {
				Name: "ceph", Version: "17.2.6-5", SHA1: "decade00decade00decade00decade00decade00",
				Arch: arch, BuildType: "rpm", OSVersion: "el9",
			},
		},
	}
}

func TestReleaseStart(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(nil)
	c := &releaseCommand{pipelineProvider: pipelineProvider{pipe: p}}

	var buf bytes.Buffer
	require.NoError(t, c.runStart(ctx, &buf, "17.2.6-5"))
	assert.Contains(t, buf.String(), "release 17.2.6-5 started")

	desc, err := p.db.LoadRelease(ctx, "17.2.6-5")
	require.NoError(t, err)
	assert.Empty(t, desc.Builds)
	assert.Nil(t, desc.CompletedDate)

	// Starting the same version again collides.
	err = c.runStart(ctx, &buf, "17.2.6-5")
	require.Error(t, err)
	assert.Equal(t, errkind.CodeAlreadyExists, errkind.CodeOf(err))
	assert.Equal(t, exitExists, exitCode(err))
}

func TestReleaseFinish(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(nil)
	c := &releaseCommand{pipelineProvider: pipelineProvider{pipe: p}}

	var buf bytes.Buffer
	require.NoError(t, c.runStart(ctx, &buf, "17.2.6-5"))

	// No build entry for the configured architecture yet.
	err := c.runFinish(ctx, &buf, "17.2.6-5")
	require.Error(t, err)
	assert.Equal(t, errkind.CodePrecondition, errkind.CodeOf(err))
	assert.Equal(t, exitPrecondition, exitCode(err))
	assert.Contains(t, err.Error(), "x86_64")

	desc, err := p.db.LoadRelease(ctx, "17.2.6-5")
	require.NoError(t, err)
	desc.MergeBuild(testBuildEntry("x86_64"))
	_, err = p.db.PublishRelease(ctx, desc)
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, c.runFinish(ctx, &buf, "17.2.6-5"))
	assert.Contains(t, buf.String(), "release 17.2.6-5 completed (x86_64)")

	desc, err = p.db.LoadRelease(ctx, "17.2.6-5")
	require.NoError(t, err)
	require.NotNil(t, desc.CompletedDate)

	// A completed release cannot be finished twice.
	err = c.runFinish(ctx, &buf, "17.2.6-5")
	require.Error(t, err)
	assert.Equal(t, exitExists, exitCode(err))
	assert.Contains(t, err.Error(), "already completed")
}

func TestReleaseFinishListsMissingArches(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(nil)
	c := &releaseCommand{
		pipelineProvider: pipelineProvider{pipe: p},
		arches:           []string{"x86_64", "aarch64"},
	}

	var buf bytes.Buffer
	require.NoError(t, c.runStart(ctx, &buf, "17.2.6-5"))

	desc, err := p.db.LoadRelease(ctx, "17.2.6-5")
	require.NoError(t, err)
	desc.MergeBuild(testBuildEntry("x86_64"))
	_, err = p.db.PublishRelease(ctx, desc)
	require.NoError(t, err)

	err = c.runFinish(ctx, &buf, "17.2.6-5")
	require.Error(t, err)
	assert.Equal(t, exitPrecondition, exitCode(err))
	assert.Contains(t, err.Error(), "no build for aarch64")
	assert.NotContains(t, err.Error(), "no build for x86_64")
}

func TestReleaseListAndInfo(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(nil)
	c := &releaseCommand{pipelineProvider: pipelineProvider{pipe: p}}

	var buf bytes.Buffer
	require.NoError(t, c.runStart(ctx, &buf, "17.2.6-5"))
	require.NoError(t, c.runStart(ctx, &buf, "18.2.0-1"))

	desc, err := p.db.LoadRelease(ctx, "18.2.0-1")
	require.NoError(t, err)
	desc.MergeBuild(testBuildEntry("x86_64"))
	desc.MergeBuild(testBuildEntry("aarch64"))
	_, err = p.db.PublishRelease(ctx, desc)
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, c.runList(ctx, &buf))
	out := buf.String()
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "17.2.6-5")
	assert.Contains(t, out, "18.2.0-1")
	assert.Contains(t, out, "aarch64,x86_64")

	buf.Reset()
	require.NoError(t, c.runInfo(ctx, &buf, "18.2.0-1"))
	out = buf.String()
	assert.Contains(t, out, "version:   18.2.0-1")
	assert.Contains(t, out, "build x86_64 (rpm, el9):")
	assert.Contains(t, out, "build aarch64 (rpm, el9):")
	assert.Contains(t, out, "ceph")
	assert.Contains(t, out, "17.2.6-5 (decade00)")

	err = c.runInfo(ctx, &buf, "0.0.0-0")
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCode(err))
}
