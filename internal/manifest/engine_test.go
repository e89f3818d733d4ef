package manifest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/errkind"
	"github.com/clyso/cbs/internal/fsutil"
	"github.com/clyso/cbs/internal/model"
	"github.com/clyso/cbs/internal/store"
	"github.com/clyso/cbs/internal/store/s3mock"
)

func newTestEngine(t *testing.T) (*Engine, *db.DB, *s3mock.Backend) {
	t.Helper()
	backend := s3mock.NewBackend()
	client := store.NewWithClient(backend, "cbs-unit")
	database := db.New(
		db.NewLocal(fsutil.NewInMemoryFS(), nil),
		db.NewRemote(client, "db", fsutil.NewInMemoryFS(), nil),
		nil,
	)
	return New(database, nil), database, backend
}

func testAuthor() model.AuthorData {
	return model.AuthorData{User: "jdoe", Email: "jdoe@clyso.com"}
}

func testPatch(sha, title string) model.Patch {
	p := model.NewPatch(sha, testAuthor(),
		time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		title, title+"\n\nSigned-off-by: John Doe <jdoe@clyso.com>")
	p.Parent = "parent-" + sha
	p.RepoURL = "https://github.com/ceph/ceph"
	p.PatchID = "pid-" + sha
	return *p
}

func testSet(title string, patches ...model.Patch) (model.PatchSet, map[string][]byte) {
	texts := make(map[string][]byte, len(patches))
	for _, p := range patches {
		texts[p.SHA] = []byte("From " + p.SHA + " Mon Sep 17 00:00:00 2001\n\n" + p.Title + "\n")
	}
	return model.NewPatchSetBase(testAuthor(), title, patches), texts
}

func createManifest(t *testing.T, e *Engine, name string) *model.ReleaseManifest {
	t.Helper()
	m, err := e.Create(context.Background(), name,
		"quincy", "clyso", "ceph", "v17.2.6", "git@github.com:clyso/ceph-releases.git")
	require.NoError(t, err)
	return m
}

func codeOf(t *testing.T, err error) errkind.Code {
	t.Helper()
	require.Error(t, err)
	return errkind.CodeOf(err)
}

func TestEngineCreate(t *testing.T) {
	e, database, _ := newTestEngine(t)
	ctx := context.Background()

	m := createManifest(t, e, "17.2.6-1")
	assert.NotEmpty(t, m.ReleaseUUID)
	assert.NotEmpty(t, m.ReleaseGitUID)

	stored, err := database.LoadManifestByName(ctx, "17.2.6-1")
	require.NoError(t, err)
	assert.Equal(t, m.ReleaseUUID, stored.ReleaseUUID)

	// Identical parameters: the stored manifest comes back unchanged.
	again, err := e.Create(ctx, "17.2.6-1",
		"quincy", "clyso", "ceph", "v17.2.6", "git@github.com:clyso/ceph-releases.git")
	require.NoError(t, err)
	assert.Equal(t, m.ReleaseUUID, again.ReleaseUUID)

	// Same name pointed at a different base ref is a conflict.
	_, err = e.Create(ctx, "17.2.6-1",
		"quincy", "clyso", "ceph", "v17.2.7", "git@github.com:clyso/ceph-releases.git")
	require.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, errkind.CodeConflict, codeOf(t, err))
}

func TestEngineNewStageAuthorAffinity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	stage, err := e.NewStage(ctx, m, testAuthor(), []model.StageTag{{Type: "issue", N: 4242}}, "mds fixes")
	require.NoError(t, err)
	require.NotNil(t, stage)
	assert.False(t, stage.Committed)
	assert.Equal(t, "mds fixes", stage.Desc)

	// The same author asking again gets the open stage back.
	same, err := e.NewStage(ctx, m, testAuthor(), nil, "ignored")
	require.NoError(t, err)
	assert.Equal(t, stage.StageUUID, same.StageUUID)
	require.Len(t, m.Stages, 1)

	other := model.AuthorData{User: "rroe", Email: "rroe@clyso.com"}
	_, err = e.NewStage(ctx, m, other, nil, "")
	require.ErrorIs(t, err, ErrStageAuthorMismatch)
	assert.Equal(t, errkind.CodeConflict, codeOf(t, err))
}

func TestEngineAddPatchSet(t *testing.T) {
	e, database, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	ps, texts := testSet("mds fixes", testPatch("aaa111", "mds: fix crash"))

	_, err := e.AddPatchSet(ctx, m, ps, texts)
	require.ErrorIs(t, err, ErrNoActiveStage)
	assert.Equal(t, errkind.CodeNotFound, codeOf(t, err))

	_, err = e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)

	added, err := e.AddPatchSet(ctx, m, ps, texts)
	require.NoError(t, err)
	assert.True(t, added)

	setUUID := ps.Base().PatchSetUUID
	assert.True(t, m.ContainsPatchSet(setUUID))
	require.NotNil(t, m.ActiveStage())
	assert.Equal(t, []string{setUUID}, m.ActiveStage().PatchSets)

	// Patch record and file landed in the database.
	p, err := database.LoadPatchBySHA(ctx, "aaa111")
	require.NoError(t, err)
	text, err := database.LoadPatchFile(ctx, p.PatchUUID)
	require.NoError(t, err)
	assert.Contains(t, string(text), "aaa111")

	// Adding the same set again changes nothing.
	added, err = e.AddPatchSet(ctx, m, ps, texts)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, m.PatchSets, 1)
	assert.Len(t, m.ActiveStage().PatchSets, 1)
}

func TestEngineAddPatchSetReusesKnownPatches(t *testing.T) {
	e, database, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")
	_, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)

	first, texts := testSet("round one", testPatch("aaa111", "mds: fix crash"))
	_, err = e.AddPatchSet(ctx, m, first, texts)
	require.NoError(t, err)
	canonical := first.Base().Patches[0].PatchUUID

	// A second set carrying the same commit plus a new one. The copy gets a
	// fresh UUID at construction; the engine must fold it back.
	second, texts2 := testSet("round two",
		testPatch("aaa111", "mds: fix crash"),
		testPatch("bbb222", "osd: scrub fix"))
	require.NotEqual(t, canonical, second.Base().Patches[0].PatchUUID)

	_, err = e.AddPatchSet(ctx, m, second, texts2)
	require.NoError(t, err)
	assert.Equal(t, canonical, second.Base().Patches[0].PatchUUID)

	stored, err := database.LoadPatchSet(ctx, second.Base().PatchSetUUID)
	require.NoError(t, err)
	require.Len(t, stored.Base().Patches, 2)
	assert.Equal(t, canonical, stored.Base().Patches[0].PatchUUID)
}

func TestEngineCommitStage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	_, err := e.CommitStage(ctx, m)
	require.ErrorIs(t, err, ErrNoActiveStage)

	stage, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)

	// An empty stage cannot be committed and stays open.
	_, err = e.CommitStage(ctx, m)
	require.ErrorIs(t, err, ErrEmptyActiveStage)
	assert.Equal(t, errkind.CodeInvalidInput, codeOf(t, err))
	require.NotNil(t, m.ActiveStage())
	assert.Equal(t, stage.StageUUID, m.ActiveStage().StageUUID)
	assert.False(t, stage.Committed)

	setA, textsA := testSet("mds fixes",
		testPatch("aaa111", "mds: fix crash"),
		testPatch("bbb222", "mds: fix follow-up"))
	setB, textsB := testSet("osd fixes", testPatch("ccc333", "osd: scrub fix"))
	_, err = e.AddPatchSet(ctx, m, setA, textsA)
	require.NoError(t, err)
	_, err = e.AddPatchSet(ctx, m, setB, textsB)
	require.NoError(t, err)

	committed, err := e.CommitStage(ctx, m)
	require.NoError(t, err)
	assert.True(t, committed.Committed)
	assert.False(t, committed.IsPublished)
	assert.Nil(t, m.ActiveStage())

	// Hash covers the patches in stage order, then set order.
	want := model.StageContentHash([]string{
		setA.Base().Patches[0].PatchUUID,
		setA.Base().Patches[1].PatchUUID,
		setB.Base().Patches[0].PatchUUID,
	})
	assert.Equal(t, want, committed.ContentHash)
}

func TestEngineAbortStage(t *testing.T) {
	e, database, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	// Aborting with nothing open is a no-op.
	require.NoError(t, e.AbortStage(ctx, m))

	_, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	setA, textsA := testSet("keep", testPatch("aaa111", "mds: fix crash"))
	_, err = e.AddPatchSet(ctx, m, setA, textsA)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	_, err = e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	setB, textsB := testSet("discard", testPatch("bbb222", "osd: scrub fix"))
	_, err = e.AddPatchSet(ctx, m, setB, textsB)
	require.NoError(t, err)

	require.NoError(t, e.AbortStage(ctx, m))
	assert.Nil(t, m.ActiveStage())
	require.Len(t, m.Stages, 1)
	assert.Equal(t, []string{setA.Base().PatchSetUUID}, m.PatchSets)

	// The records stay; only the manifest reference is gone. Patches are
	// shared by SHA across sets, so aborting must not delete them.
	_, err = database.LoadPatchSet(ctx, setB.Base().PatchSetUUID)
	require.NoError(t, err)
	_, err = database.LoadPatchBySHA(ctx, "bbb222")
	require.NoError(t, err)
}

func TestEngineAmendStage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	_, err := e.AmendStage(ctx, m)
	require.ErrorIs(t, err, ErrStageNotFound)

	stage, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	_, err = e.AmendStage(ctx, m)
	require.ErrorIs(t, err, ErrStageOpen)
	assert.Equal(t, errkind.CodeConflict, codeOf(t, err))

	setA, textsA := testSet("mds fixes", testPatch("aaa111", "mds: fix crash"))
	_, err = e.AddPatchSet(ctx, m, setA, textsA)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	reopened, err := e.AmendStage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, stage.StageUUID, reopened.StageUUID)
	assert.False(t, reopened.Committed)
	assert.Empty(t, reopened.ContentHash)

	setB, textsB := testSet("osd fixes", testPatch("bbb222", "osd: scrub fix"))
	_, err = e.AddPatchSet(ctx, m, setB, textsB)
	require.NoError(t, err)
	committed, err := e.CommitStage(ctx, m)
	require.NoError(t, err)
	want := model.StageContentHash([]string{
		setA.Base().Patches[0].PatchUUID,
		setB.Base().Patches[0].PatchUUID,
	})
	assert.Equal(t, want, committed.ContentHash)

	// Published stages are out of reach.
	committed.IsPublished = true
	_, err = e.AmendStage(ctx, m)
	require.ErrorIs(t, err, ErrStageNotFound)
}

func TestEngineRemoveStage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	err := e.RemoveStage(ctx, m, "no-such-stage")
	require.ErrorIs(t, err, ErrStageNotFound)
	assert.Equal(t, errkind.CodeNotFound, codeOf(t, err))

	stage1, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	setA, textsA := testSet("keep", testPatch("aaa111", "mds: fix crash"))
	_, err = e.AddPatchSet(ctx, m, setA, textsA)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	stage2, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	setB, textsB := testSet("drop", testPatch("bbb222", "osd: scrub fix"))
	_, err = e.AddPatchSet(ctx, m, setB, textsB)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	require.NoError(t, e.RemoveStage(ctx, m, stage2.StageUUID))
	require.Len(t, m.Stages, 1)
	assert.Equal(t, []string{setA.Base().PatchSetUUID}, m.PatchSets)

	stage1.IsPublished = true
	err = e.RemoveStage(ctx, m, stage1.StageUUID)
	require.ErrorIs(t, err, ErrStagePublished)
	assert.Equal(t, errkind.CodeConflict, codeOf(t, err))
}

func TestEngineStageInfo(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	_, err := e.StageInfo(ctx, m, "")
	require.ErrorIs(t, err, ErrStageNotFound)

	stage, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	ps, texts := testSet("mds fixes",
		testPatch("aaa111", "mds: fix crash"),
		testPatch("bbb222", "mds: fix follow-up"))
	_, err = e.AddPatchSet(ctx, m, ps, texts)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	info, err := e.StageInfo(ctx, m, "")
	require.NoError(t, err)
	assert.Equal(t, stage.StageUUID, info.Stage.StageUUID)
	require.Len(t, info.Patches, 2)
	assert.Equal(t, "mds: fix crash", info.Patches[0].Title)
	assert.Equal(t, "mds: fix follow-up", info.Patches[1].Title)

	byUUID, err := e.StageInfo(ctx, m, stage.StageUUID)
	require.NoError(t, err)
	assert.Equal(t, info.Stage.StageUUID, byUUID.Stage.StageUUID)

	stage.ContentHash = "beef"
	_, err = e.StageInfo(ctx, m, "")
	require.ErrorIs(t, err, ErrStageHashMismatch)
	assert.Equal(t, errkind.CodeMalformed, codeOf(t, err))
}

func TestEnginePublishStages(t *testing.T) {
	e, database, backend := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	_, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	setA, textsA := testSet("mds fixes",
		testPatch("aaa111", "mds: fix crash in lock acquisition"),
		testPatch("bbb222", "osd: backport scrub fix"))
	_, err = e.AddPatchSet(ctx, m, setA, textsA)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	_, err = e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	setB, textsB := testSet("mgr fixes", testPatch("ccc333", "mgr: handle null module"))
	_, err = e.AddPatchSet(ctx, m, setB, textsB)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	// Patch files reach the remote tier with the manifest.
	require.NoError(t, database.PublishManifest(ctx, m))

	n, err := e.PublishStages(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wantKeys := map[string]string{
		"db/staging/17.2.6-1/0001-mds-fix-crash-in-lock-acquisition.patch": setA.Base().Patches[0].PatchUUID,
		"db/staging/17.2.6-1/0002-osd-backport-scrub-fix.patch":            setA.Base().Patches[1].PatchUUID,
		"db/staging/17.2.6-1/0003-mgr-handle-null-module.patch":            setB.Base().Patches[0].PatchUUID,
	}
	for key, uuid := range wantKeys {
		data, ok := backend.DataOf(key)
		require.True(t, ok, "missing %s", key)
		assert.Equal(t, uuid+"\n", string(data))
	}

	for _, stage := range m.Stages {
		assert.True(t, stage.IsPublished)
	}
	stored, err := database.Local().LoadManifest(m.ReleaseUUID)
	require.NoError(t, err)
	for _, stage := range stored.Stages {
		assert.True(t, stage.IsPublished)
	}

	// Nothing left to publish.
	n, err = e.PublishStages(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Re-publishing after a manual flag reset trips the staleness guard:
	// the staging area is already populated.
	m.Stages[0].IsPublished = false
	_, err = e.PublishStages(ctx, m)
	require.ErrorIs(t, err, db.ErrStagePatchesExist)
	assert.Equal(t, errkind.CodeAlreadyExists, codeOf(t, err))
}

func TestEnginePublishStagesRequiresRemotePatches(t *testing.T) {
	e, _, backend := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "18.2.0-1")

	_, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	ps, texts := testSet("never published", testPatch("ddd444", "rgw: fix listing"))
	_, err = e.AddPatchSet(ctx, m, ps, texts)
	require.NoError(t, err)
	_, err = e.CommitStage(ctx, m)
	require.NoError(t, err)

	// The manifest was never published, so the patch files are local only.
	_, err = e.PublishStages(ctx, m)
	require.ErrorIs(t, err, db.ErrMissingStagePatch)
	assert.Equal(t, errkind.CodeNotFound, codeOf(t, err))

	for _, key := range backend.Keys() {
		assert.False(t, strings.HasPrefix(key, "db/staging/18.2.0-1/"), "unexpected pointer %s", key)
	}
}

func TestEnginePublishStagesVerifiesHash(t *testing.T) {
	e, _, backend := newTestEngine(t)
	ctx := context.Background()
	m := createManifest(t, e, "17.2.6-1")

	_, err := e.NewStage(ctx, m, testAuthor(), nil, "")
	require.NoError(t, err)
	ps, texts := testSet("mds fixes", testPatch("aaa111", "mds: fix crash"))
	_, err = e.AddPatchSet(ctx, m, ps, texts)
	require.NoError(t, err)
	stage, err := e.CommitStage(ctx, m)
	require.NoError(t, err)

	stage.ContentHash = "beef"
	_, err = e.PublishStages(ctx, m)
	require.ErrorIs(t, err, ErrStageHashMismatch)
	assert.False(t, stage.IsPublished)

	for _, key := range backend.Keys() {
		assert.False(t, strings.HasPrefix(key, "db/staging/"), "unexpected pointer %s", key)
	}
}
