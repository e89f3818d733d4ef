package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/store/s3mock"
)

// Two pipelines over one bucket: the first publishes, the second mirrors
// what appeared, and a repeat run finds the watermark unchanged.
func TestDBSync(t *testing.T) {
	ctx := context.Background()
	backend := s3mock.NewBackend()

	publisher := pipelineOver(backend, nil)
	_, m := createManifest(t, ctx, publisher, "quincy-1")
	require.NoError(t, publisher.db.PublishManifest(ctx, m))

	reader := pipelineOver(backend, nil)
	c := &dbCommand{pipelineProvider: pipelineProvider{pipe: reader}}

	var buf bytes.Buffer
	require.NoError(t, c.runSync(ctx, &buf))
	assert.Contains(t, buf.String(), "fetched")

	// The mirrored manifest resolves without touching the publisher.
	got, err := reader.db.LoadManifestByName(ctx, "quincy-1")
	require.NoError(t, err)
	assert.Equal(t, m.ReleaseUUID, got.ReleaseUUID)

	buf.Reset()
	require.NoError(t, c.runSync(ctx, &buf))
	assert.Equal(t, "database is in sync\n", buf.String())
}
