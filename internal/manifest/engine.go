// Package manifest implements the editing engine for release manifests:
// creation, the stage lifecycle (new, add, commit, amend, remove, abort)
// and publishing committed stages to the staging area.
//
// The engine mutates manifests in memory and persists them through the
// database facade. Local storage is the working copy; nothing reaches the
// remote tier until the manifest itself is published.
package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
)

// Engine edits manifests against the two-tier database.
type Engine struct {
	db  *db.DB
	log *logging.Logger
}

// New creates an engine over the database.
func New(database *db.DB, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{db: database, log: log.WithComponent("manifest")}
}

// Create builds a fresh manifest and stores it locally. The name must not
// resolve to a different manifest; creating the same name twice returns the
// stored manifest unchanged.
func (e *Engine) Create(ctx context.Context, name, baseRelease, baseOrg, baseRepo, baseRef, dstRepo string) (*model.ReleaseManifest, error) {
	m := model.NewReleaseManifest(name, baseRelease, baseOrg, baseRepo, baseRef, dstRepo)

	if _, err := e.db.LoadManifest(ctx, m.ReleaseUUID); err == nil {
		return nil, newError("create", m.ReleaseUUID, ErrManifestExists)
	} else if !db.IsNotFound(err) {
		return nil, newError("create", m.ReleaseUUID, err)
	}

	existing, err := e.db.LoadManifestByName(ctx, name)
	switch {
	case err == nil:
		same := existing.BaseReleaseName == baseRelease &&
			existing.BaseRefOrg == baseOrg &&
			existing.BaseRefRepo == baseRepo &&
			existing.BaseRef == baseRef &&
			existing.DstRepo == dstRepo
		if same {
			// Re-running create with identical parameters is harmless.
			return existing, nil
		}
		return nil, newError("create", name, fmt.Errorf("%w: held by %s", ErrNameTaken, existing.ReleaseUUID))
	case db.IsNotFound(err):
	default:
		return nil, newError("create", name, err)
	}

	if err := e.db.StoreManifest(m); err != nil {
		return nil, newError("create", name, err)
	}
	e.log.Info("manifest created",
		"name", m.Name, "release_uuid", m.ReleaseUUID, "base_ref", m.BaseRef)
	return m, nil
}

// NewStage opens a stage owned by author. If the author already owns the
// open stage it is returned as is; an open stage owned by someone else is
// an error.
func (e *Engine) NewStage(ctx context.Context, m *model.ReleaseManifest, author model.AuthorData, tags []model.StageTag, desc string) (*model.ManifestStage, error) {
	if active := m.ActiveStage(); active != nil {
		if active.Author == author {
			return active, nil
		}
		return nil, newError("new_stage", m.Name,
			fmt.Errorf("%w: %s", ErrStageAuthorMismatch, active.Author.User))
	}

	stage := model.NewManifestStage(author, tags, desc)
	m.Stages = append(m.Stages, stage)
	if err := e.db.StoreManifest(m); err != nil {
		return nil, newError("new_stage", m.Name, err)
	}
	e.log.Info("stage opened", "manifest", m.Name, "stage_uuid", stage.StageUUID, "author", author.User)
	return stage, nil
}

// AddPatchSet records the set and its patches in the database and adds the
// set to the active stage. texts maps commit SHAs to patch file contents.
// A set already referenced by the manifest is skipped without any writes;
// the returned bool reports whether the set was added.
//
// Patches whose SHA is already known keep their stored identity: the
// incoming copy is rewritten to the existing patch UUID and no duplicate
// record is written.
func (e *Engine) AddPatchSet(ctx context.Context, m *model.ReleaseManifest, ps model.PatchSet, texts map[string][]byte) (bool, error) {
	stage := m.ActiveStage()
	if stage == nil {
		return false, newError("add_patchset", m.Name, ErrNoActiveStage)
	}

	base := ps.Base()
	if m.ContainsPatchSet(base.PatchSetUUID) {
		return false, nil
	}

	for i := range base.Patches {
		p := &base.Patches[i]
		existing, err := e.db.LoadPatchBySHA(ctx, p.SHA)
		switch {
		case err == nil:
			p.PatchUUID = existing.PatchUUID
			continue
		case db.IsNotFound(err):
		default:
			return false, newError("add_patchset", m.Name, err)
		}
		if err := e.db.StorePatch(p, texts[p.SHA]); err != nil && !errors.Is(err, db.ErrPatchExists) {
			return false, newError("add_patchset", m.Name, err)
		}
	}
	if err := e.db.StorePatchSet(ps); err != nil {
		return false, newError("add_patchset", m.Name, err)
	}

	stage.AddPatchSet(base.PatchSetUUID)
	m.PatchSets = append(m.PatchSets, base.PatchSetUUID)
	if err := e.db.StoreManifest(m); err != nil {
		return false, newError("add_patchset", m.Name, err)
	}
	e.log.Info("patch set staged",
		"manifest", m.Name, "patchset_uuid", base.PatchSetUUID, "patches", len(base.Patches))
	return true, nil
}

// CommitStage seals the active stage: the content hash is computed over the
// stage's patches in order and the stage stops accepting additions.
// Committing an empty stage fails and leaves the stage open.
func (e *Engine) CommitStage(ctx context.Context, m *model.ReleaseManifest) (*model.ManifestStage, error) {
	stage := m.ActiveStage()
	if stage == nil {
		return nil, newError("commit_stage", m.Name, ErrNoActiveStage)
	}
	if stage.Empty() {
		return nil, newError("commit_stage", m.Name, ErrEmptyActiveStage)
	}

	patches, err := e.stagePatches(ctx, stage)
	if err != nil {
		return nil, newError("commit_stage", m.Name, err)
	}
	stage.ContentHash = model.StageContentHash(patchUUIDs(patches))
	stage.Committed = true

	if err := e.db.StoreManifest(m); err != nil {
		return nil, newError("commit_stage", m.Name, err)
	}
	e.log.Info("stage committed",
		"manifest", m.Name, "stage_uuid", stage.StageUUID, "patches", len(patches))
	return stage, nil
}

// AbortStage discards the active stage. Patch sets only referenced by the
// aborted stage are removed from the manifest; their database records stay,
// since patches are shared by SHA across sets.
func (e *Engine) AbortStage(ctx context.Context, m *model.ReleaseManifest) error {
	stage := m.ActiveStage()
	if stage == nil {
		return nil
	}
	e.dropStage(m, stage)
	if err := e.db.StoreManifest(m); err != nil {
		return newError("abort_stage", m.Name, err)
	}
	e.log.Info("stage aborted", "manifest", m.Name, "stage_uuid", stage.StageUUID)
	return nil
}

// AmendStage reopens the newest committed, unpublished stage for further
// edits. Fails when a stage is still open or nothing is amendable.
func (e *Engine) AmendStage(ctx context.Context, m *model.ReleaseManifest) (*model.ManifestStage, error) {
	if m.ActiveStage() != nil {
		return nil, newError("amend_stage", m.Name, ErrStageOpen)
	}
	for i := len(m.Stages) - 1; i >= 0; i-- {
		stage := m.Stages[i]
		if !stage.Committed || stage.IsPublished {
			continue
		}
		stage.Committed = false
		stage.ContentHash = ""
		if err := e.db.StoreManifest(m); err != nil {
			return nil, newError("amend_stage", m.Name, err)
		}
		e.log.Info("stage reopened", "manifest", m.Name, "stage_uuid", stage.StageUUID)
		return stage, nil
	}
	return nil, newError("amend_stage", m.Name, ErrStageNotFound)
}

// RemoveStage deletes an unpublished stage by UUID, open or committed.
// Patch sets only that stage referenced are removed from the manifest.
func (e *Engine) RemoveStage(ctx context.Context, m *model.ReleaseManifest, stageUUID string) error {
	for _, stage := range m.Stages {
		if stage.StageUUID != stageUUID {
			continue
		}
		if stage.IsPublished {
			return newError("remove_stage", m.Name, ErrStagePublished)
		}
		e.dropStage(m, stage)
		if err := e.db.StoreManifest(m); err != nil {
			return newError("remove_stage", m.Name, err)
		}
		e.log.Info("stage removed", "manifest", m.Name, "stage_uuid", stage.StageUUID)
		return nil
	}
	return newError("remove_stage", m.Name, fmt.Errorf("%w: %s", ErrStageNotFound, stageUUID))
}

// Info describes one stage with its patches resolved in order.
type Info struct {
	Stage   *model.ManifestStage
	Patches []model.Patch
}

// StageInfo resolves a stage's patches. The empty UUID selects the newest
// stage. Committed stages have their content hash verified.
func (e *Engine) StageInfo(ctx context.Context, m *model.ReleaseManifest, stageUUID string) (*Info, error) {
	var stage *model.ManifestStage
	if stageUUID == "" {
		if len(m.Stages) == 0 {
			return nil, newError("stage_info", m.Name, ErrStageNotFound)
		}
		stage = m.Stages[len(m.Stages)-1]
	} else {
		for _, s := range m.Stages {
			if s.StageUUID == stageUUID {
				stage = s
				break
			}
		}
		if stage == nil {
			return nil, newError("stage_info", m.Name, fmt.Errorf("%w: %s", ErrStageNotFound, stageUUID))
		}
	}

	patches, err := e.stagePatches(ctx, stage)
	if err != nil {
		return nil, newError("stage_info", m.Name, err)
	}
	if stage.Committed {
		if got := model.StageContentHash(patchUUIDs(patches)); got != stage.ContentHash {
			return nil, newError("stage_info", m.Name,
				fmt.Errorf("%w: stage %s", ErrStageHashMismatch, stage.StageUUID))
		}
	}
	return &Info{Stage: stage, Patches: patches}, nil
}

// PublishStages pushes every committed, unpublished stage to the staging
// area under the manifest's name. Pointer files are numbered consecutively
// starting at 0001, stages in manifest order, patches in set order. Returns
// the number of stages published.
//
// The patch files themselves must already be remote, so the manifest has to
// be published first.
func (e *Engine) PublishStages(ctx context.Context, m *model.ReleaseManifest) (int, error) {
	var pending []*model.ManifestStage
	for _, stage := range m.Stages {
		if stage.Committed && !stage.IsPublished {
			pending = append(pending, stage)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var ptrs []db.StagePointer
	seq := 1
	for _, stage := range pending {
		patches, err := e.stagePatches(ctx, stage)
		if err != nil {
			return 0, newError("publish_stages", m.Name, err)
		}
		if got := model.StageContentHash(patchUUIDs(patches)); got != stage.ContentHash {
			return 0, newError("publish_stages", m.Name,
				fmt.Errorf("%w: stage %s", ErrStageHashMismatch, stage.StageUUID))
		}
		for i := range patches {
			ptrs = append(ptrs, db.StagePointer{
				Seq:       seq,
				Slug:      db.Slugify(patches[i].Title),
				PatchUUID: patches[i].PatchUUID,
			})
			seq++
		}
	}

	if err := e.db.PublishStagePointers(ctx, m.Name, ptrs); err != nil {
		return 0, newError("publish_stages", m.Name, err)
	}
	for _, stage := range pending {
		stage.IsPublished = true
	}
	if err := e.db.StoreManifest(m); err != nil {
		return 0, newError("publish_stages", m.Name, err)
	}
	e.log.Info("stages published",
		"manifest", m.Name, "stages", len(pending), "patches", len(ptrs))
	return len(pending), nil
}

// stagePatches resolves the stage's patch sets and returns their patches,
// sets in stage order, patches in set order.
func (e *Engine) stagePatches(ctx context.Context, stage *model.ManifestStage) ([]model.Patch, error) {
	var patches []model.Patch
	for _, id := range stage.PatchSets {
		ps, err := e.db.LoadPatchSet(ctx, id)
		if err != nil {
			return nil, err
		}
		patches = append(patches, ps.Base().Patches...)
	}
	return patches, nil
}

// dropStage removes the stage from the manifest and prunes patch set
// references no other stage holds.
func (e *Engine) dropStage(m *model.ReleaseManifest, stage *model.ManifestStage) {
	stages := m.Stages[:0]
	for _, s := range m.Stages {
		if s.StageUUID != stage.StageUUID {
			stages = append(stages, s)
		}
	}
	m.Stages = stages

	referenced := make(map[string]struct{})
	for _, s := range m.Stages {
		for _, id := range s.PatchSets {
			referenced[id] = struct{}{}
		}
	}
	dropped := make(map[string]struct{}, len(stage.PatchSets))
	for _, id := range stage.PatchSets {
		dropped[id] = struct{}{}
	}

	kept := m.PatchSets[:0]
	for _, id := range m.PatchSets {
		if _, wasStaged := dropped[id]; wasStaged {
			if _, still := referenced[id]; !still {
				continue
			}
		}
		kept = append(kept, id)
	}
	m.PatchSets = kept
}

func patchUUIDs(patches []model.Patch) []string {
	ids := make([]string, len(patches))
	for i := range patches {
		ids[i] = patches[i].PatchUUID
	}
	return ids
}
