package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/fsutil"
	"github.com/clyso/cbs/internal/store"
	"github.com/clyso/cbs/internal/store/s3mock"
)

func newTestRemote(t *testing.T) (*Remote, *s3mock.Backend) {
	t.Helper()
	backend := s3mock.NewBackend()
	client := store.NewWithClient(backend, "cbs-unit")
	return NewRemote(client, "db", fsutil.NewInMemoryFS(), nil), backend
}

func seedRemote(b *s3mock.Backend, key string, data string) {
	b.Seed("db/"+key, []byte(data))
}

func seedMarker(t *testing.T, b *s3mock.Backend, ts string) {
	t.Helper()
	data, err := marshalRecord(syncState{LastUpdated: ts})
	require.NoError(t, err)
	b.Seed("db/"+MarkerKey, data)
}

func TestRemoteSyncFetchesAndShortCircuits(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	seedRemote(backend, ManifestKey("u-1"), `{"name":"one"}`)
	seedRemote(backend, PatchKey("p-1"), `{"sha":"abc"}`)
	seedMarker(t, backend, "2026-08-25T10:00:00Z")

	stats, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, stats.InSync)
	assert.Equal(t, 3, stats.Fetched) // two records plus the marker object
	assert.Equal(t, 0, stats.Pruned)

	data, err := r.Read(ManifestKey("u-1"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"one"}`, string(data))

	etag, ok := r.ETag(ManifestKey("u-1"))
	require.True(t, ok)
	want, _ := backend.ETagOf("db/" + ManifestKey("u-1"))
	assert.Equal(t, want, etag)

	// With the marker unchanged a second pass costs exactly one GET.
	backend.ResetCounts()
	stats, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, stats.InSync)
	gets, puts, lists := backend.Counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, 0, puts)
	assert.Equal(t, 0, lists)
}

func TestRemoteSyncFetchesOnlyChanged(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	seedRemote(backend, ManifestKey("u-1"), `{"name":"one"}`)
	seedRemote(backend, PatchKey("p-1"), `{"sha":"abc"}`)
	seedMarker(t, backend, "2026-08-25T10:00:00Z")
	_, err := r.Sync(ctx)
	require.NoError(t, err)

	seedRemote(backend, ManifestKey("u-1"), `{"name":"one","patchsets":["ps-1"]}`)
	seedMarker(t, backend, "2026-08-25T10:05:00Z")

	backend.ResetCounts()
	stats, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, stats.InSync)
	assert.Equal(t, 2, stats.Fetched) // the changed record plus the marker
	assert.Equal(t, 0, stats.Pruned)

	// One marker probe, two changed objects; the unchanged record is skipped.
	gets, _, lists := backend.Counts()
	assert.Equal(t, 3, gets)
	assert.Equal(t, 1, lists)

	data, err := r.Read(ManifestKey("u-1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ps-1")
}

func TestRemoteSyncPrunesDeleted(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	seedRemote(backend, ManifestKey("u-1"), `{"name":"one"}`)
	seedRemote(backend, ManifestKey("u-2"), `{"name":"two"}`)
	seedMarker(t, backend, "2026-08-25T10:00:00Z")
	_, err := r.Sync(ctx)
	require.NoError(t, err)

	backend.Remove("db/" + ManifestKey("u-2"))
	seedMarker(t, backend, "2026-08-25T10:05:00Z")

	stats, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pruned)

	assert.False(t, r.Has(ManifestKey("u-2")))
	_, err = r.Read(ManifestKey("u-2"))
	assert.True(t, IsNotFound(err))
	assert.True(t, r.Has(ManifestKey("u-1")))
}

func TestRemoteSyncWithoutMarkerListsEveryTime(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	seedRemote(backend, ManifestKey("u-1"), `{"name":"one"}`)

	stats, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, stats.InSync)
	assert.Equal(t, 1, stats.Fetched)

	// An absent marker never short-circuits; the pass is just cheap.
	backend.ResetCounts()
	stats, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, stats.InSync)
	assert.Equal(t, 0, stats.Fetched)
	_, _, lists := backend.Counts()
	assert.Equal(t, 1, lists)
}

func TestRemotePublishUpdatesMirror(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()
	key := PatchSetKey("ps-1")

	etag, err := r.Publish(ctx, key, []byte(`{"type":"patchset"}`), contentTypeJSON, store.IfAbsent())
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	assert.True(t, r.Has(key))
	data, err := r.Read(key)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"patchset"}`, string(data))

	stored, ok := backend.DataOf("db/" + key)
	require.True(t, ok)
	assert.Equal(t, `{"type":"patchset"}`, string(stored))

	_, err = r.Publish(ctx, key, []byte("other"), contentTypeJSON, store.IfAbsent())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrObjectAlreadyExists)

	_, err = r.Publish(ctx, key, []byte("other"), contentTypeJSON, store.IfMatch("bogus"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrEtagMismatch)

	etag2, err := r.Publish(ctx, key, []byte("updated"), contentTypeJSON, store.IfMatch(etag))
	require.NoError(t, err)
	assert.NotEqual(t, etag, etag2)
}

func TestRemoteFetchRefreshesMirror(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	_, err := r.Sync(ctx)
	require.NoError(t, err)

	// Written by another publisher after our sync.
	seedRemote(backend, ReleaseKey("17.2.6-1"), `{"version":"17.2.6-1"}`)
	assert.False(t, r.Has(ReleaseKey("17.2.6-1")))

	data, etag, err := r.Fetch(ctx, ReleaseKey("17.2.6-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
	assert.Equal(t, `{"version":"17.2.6-1"}`, string(data))

	assert.True(t, r.Has(ReleaseKey("17.2.6-1")))
	mirrored, err := r.Read(ReleaseKey("17.2.6-1"))
	require.NoError(t, err)
	assert.Equal(t, data, mirrored)

	_, _, err = r.Fetch(ctx, ReleaseKey("nope"))
	assert.True(t, IsNotFound(err))
}

func TestRemoteWriteMarkerShortCircuitsNextSync(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	_, err := r.Sync(ctx)
	require.NoError(t, err)

	_, err = r.Publish(ctx, ManifestKey("u-1"), []byte(`{"name":"one"}`), contentTypeJSON, store.None())
	require.NoError(t, err)

	ts, err := r.WriteMarker(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ts)
	assert.Equal(t, ts, r.Marker())

	backend.ResetCounts()
	stats, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, stats.InSync)
	gets, puts, lists := backend.Counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, 0, puts)
	assert.Equal(t, 0, lists)
}

func TestRemoteMirrorSurvivesRestart(t *testing.T) {
	backend := s3mock.NewBackend()
	client := store.NewWithClient(backend, "cbs-unit")
	mirror := fsutil.NewInMemoryFS()
	ctx := context.Background()

	seedRemote(backend, ManifestKey("u-1"), `{"name":"one"}`)
	seedMarker(t, backend, "2026-08-25T10:00:00Z")

	r1 := NewRemote(client, "db", mirror, nil)
	_, err := r1.Sync(ctx)
	require.NoError(t, err)

	// A new process over the same mirror root sees the synced state
	// without touching the store.
	r2 := NewRemote(client, "db", mirror, nil)
	backend.ResetCounts()
	assert.True(t, r2.Has(ManifestKey("u-1")))
	data, err := r2.Read(ManifestKey("u-1"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"one"}`, string(data))
	gets, _, lists := backend.Counts()
	assert.Equal(t, 0, gets)
	assert.Equal(t, 0, lists)

	stats, err := r2.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, stats.InSync)
}

func TestRemoteFreshKeys(t *testing.T) {
	r, backend := newTestRemote(t)
	ctx := context.Background()

	seedRemote(backend, StagingPointerKey("17.2.6-1", 2, "second"), "p-2\n")
	seedRemote(backend, StagingPointerKey("17.2.6-1", 1, "first"), "p-1\n")
	seedRemote(backend, StagingPointerKey("18.2.0-1", 1, "other"), "p-9\n")

	keys, err := r.FreshKeys(ctx, StagingPrefix("17.2.6-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"staging/17.2.6-1/0001-first.patch",
		"staging/17.2.6-1/0002-second.patch",
	}, keys)

	keys, err = r.FreshKeys(ctx, StagingPrefix("19.0.0-1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
