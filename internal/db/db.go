// Package db is the two-tier patch database: a local working tier of
// JSON records plus a remote tier mirroring the shared object store,
// kept current by watermark-gated syncs. The DB facade reads local
// first and falls back to the remote mirror, importing hits into the
// local tier; publish pushes local state remote under etag
// preconditions and rewrites the watermark.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
	"github.com/clyso/cbs/internal/store"
)

// maxPublishAttempts bounds the fetch-merge-put loop for release and
// component records when concurrent per-architecture publishers race.
const maxPublishAttempts = 4

// StagePointer is one ordered entry in a version's staging queue.
type StagePointer struct {
	Seq       int
	Slug      string
	PatchUUID string
}

// DB is the read-through facade over the two tiers.
type DB struct {
	local  *Local
	remote *Remote
	log    *logging.Logger

	syncMu sync.Mutex
	synced bool
}

// New creates the facade.
func New(local *Local, remote *Remote, log *logging.Logger) *DB {
	if log == nil {
		log = logging.NewNop()
	}
	return &DB{local: local, remote: remote, log: log.WithComponent("db")}
}

// Local exposes the working tier for callers that must bypass the
// read-through path.
func (d *DB) Local() *Local { return d.local }

// Sync refreshes the remote mirror.
func (d *DB) Sync(ctx context.Context) (*SyncStats, error) {
	stats, err := d.remote.Sync(ctx)
	if err != nil {
		return nil, err
	}
	d.syncMu.Lock()
	d.synced = true
	d.syncMu.Unlock()
	return stats, nil
}

// ensureSynced runs one sync per facade lifetime before the first
// remote-backed read.
func (d *DB) ensureSynced(ctx context.Context) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	if d.synced {
		return nil
	}
	if _, err := d.remote.Sync(ctx); err != nil {
		return err
	}
	d.synced = true
	return nil
}

// LoadManifest reads a manifest by UUID, local tier first. A remote hit
// is imported into the local tier so later edits have a place to land.
func (d *DB) LoadManifest(ctx context.Context, uuid string) (*model.ReleaseManifest, error) {
	m, err := d.local.LoadManifest(uuid)
	if err == nil || !IsNotFound(err) {
		return m, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	key := ManifestKey(uuid)
	data, err := d.remote.Read(key)
	if err != nil {
		return nil, err
	}

	var remote model.ReleaseManifest
	if err := json.Unmarshal(data, &remote); err != nil {
		d.log.Error("malformed manifest record", "key", key, "error", err)
		return nil, malformed("load_manifest", key, err)
	}
	if err := d.local.StoreManifest(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// LoadManifestByName resolves the name alias, local tier first.
func (d *DB) LoadManifestByName(ctx context.Context, name string) (*model.ReleaseManifest, error) {
	m, err := d.local.LoadManifestByName(name)
	if err == nil || !IsNotFound(err) {
		return m, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	uuid, err := d.readRemoteLiteralAlias(ManifestAliasKey(name))
	if err != nil {
		return nil, err
	}
	return d.LoadManifest(ctx, uuid)
}

// FindManifest resolves a reference that may be a UUID or a name.
func (d *DB) FindManifest(ctx context.Context, ref string) (*model.ReleaseManifest, error) {
	m, err := d.LoadManifest(ctx, ref)
	if err == nil || !IsNotFound(err) {
		return m, err
	}
	return d.LoadManifestByName(ctx, ref)
}

// LoadPatchSet reads a patch set by UUID, local tier first.
func (d *DB) LoadPatchSet(ctx context.Context, uuid string) (model.PatchSet, error) {
	ps, err := d.local.LoadPatchSet(uuid)
	if err == nil || !IsNotFound(err) {
		return ps, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	key := PatchSetKey(uuid)
	data, err := d.remote.Read(key)
	if err != nil {
		return nil, err
	}

	remote, err := model.UnmarshalPatchSet(data)
	if err != nil {
		d.log.Error("malformed patchset record", "key", key, "error", err)
		return nil, malformed("load_patchset", key, err)
	}
	if err := d.local.StorePatchSet(remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// LoadPatchSetByPR resolves the pull-request index, local tier first.
func (d *DB) LoadPatchSetByPR(ctx context.Context, org, repo string, prID int) (model.PatchSet, error) {
	ps, err := d.local.LoadPatchSetByPR(org, repo, prID)
	if err == nil || !IsNotFound(err) {
		return ps, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	uuid, err := d.readRemoteLiteral(PullRequestKey(org, repo, prID))
	if err != nil {
		return nil, err
	}
	return d.LoadPatchSet(ctx, uuid)
}

// LoadPatch reads a patch by UUID, local tier first.
func (d *DB) LoadPatch(ctx context.Context, uuid string) (*model.Patch, error) {
	p, err := d.local.LoadPatch(uuid)
	if err == nil || !IsNotFound(err) {
		return p, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	key := PatchKey(uuid)
	data, err := d.remote.Read(key)
	if err != nil {
		return nil, err
	}

	var remote model.Patch
	if err := json.Unmarshal(data, &remote); err != nil {
		d.log.Error("malformed patch record", "key", key, "error", err)
		return nil, malformed("load_patch", key, err)
	}
	if err := d.local.ImportPatch(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// LoadPatchBySHA resolves the commit index, local tier first.
func (d *DB) LoadPatchBySHA(ctx context.Context, sha string) (*model.Patch, error) {
	p, err := d.local.LoadPatchBySHA(sha)
	if err == nil || !IsNotFound(err) {
		return p, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	uuid, err := d.readRemoteLiteral(PatchSHAKey(sha))
	if err != nil {
		return nil, err
	}
	return d.LoadPatch(ctx, uuid)
}

// LoadPatchFile reads the formatted patch text, local tier first.
func (d *DB) LoadPatchFile(ctx context.Context, uuid string) ([]byte, error) {
	text, err := d.local.LoadPatchFile(uuid)
	if err == nil || !IsNotFound(err) {
		return text, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	text, err = d.remote.Read(PatchFileKey(uuid))
	if err != nil {
		return nil, err
	}
	if err := d.local.StorePatchFile(uuid, text); err != nil {
		return nil, err
	}
	return text, nil
}

// LoadRelease reads a release descriptor, local tier first.
func (d *DB) LoadRelease(ctx context.Context, version string) (*model.ReleaseDesc, error) {
	desc, err := d.local.LoadRelease(version)
	if err == nil || !IsNotFound(err) {
		return desc, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	key := ReleaseKey(version)
	data, err := d.remote.Read(key)
	if err != nil {
		return nil, err
	}

	remote, err := model.UnmarshalReleaseDesc(data)
	if err != nil {
		d.log.Error("malformed release record", "key", key, "error", err)
		return nil, malformed("load_release", key, err)
	}
	if err := d.local.StoreRelease(remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// LoadComponent reads a component record, local tier first.
func (d *DB) LoadComponent(ctx context.Context, name, longVersion string) (*model.ReleaseComponent, error) {
	c, err := d.local.LoadComponent(name, longVersion)
	if err == nil || !IsNotFound(err) {
		return c, err
	}

	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}
	key := ComponentKey(name, longVersion)
	data, err := d.remote.Read(key)
	if err != nil {
		return nil, err
	}

	var remote model.ReleaseComponent
	if err := json.Unmarshal(data, &remote); err != nil {
		d.log.Error("malformed component record", "key", key, "error", err)
		return nil, malformed("load_component", key, err)
	}
	if err := d.local.StoreComponent(&remote, longVersion); err != nil {
		return nil, err
	}
	return &remote, nil
}

// ListManifests returns the union of both tiers, the local copy winning
// per UUID, sorted by creation date.
func (d *DB) ListManifests(ctx context.Context) ([]*model.ReleaseManifest, error) {
	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}

	out, err := d.local.ListManifests()
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]struct{}, len(out))
	for _, m := range out {
		byUUID[m.ReleaseUUID] = struct{}{}
	}

	for _, key := range d.remote.Keys(manifestsDir + "/") {
		rest := strings.TrimPrefix(key, manifestsDir+"/")
		if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
			continue
		}
		if _, ok := byUUID[strings.TrimSuffix(rest, ".json")]; ok {
			continue
		}
		data, err := d.remote.Read(key)
		if err != nil {
			return nil, err
		}
		var m model.ReleaseManifest
		if err := json.Unmarshal(data, &m); err != nil {
			d.log.Error("malformed manifest record", "key", key, "error", err)
			return nil, malformed("list_manifests", key, err)
		}
		out = append(out, &m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreationDate.Equal(out[j].CreationDate) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreationDate.Before(out[j].CreationDate)
	})
	return out, nil
}

// ListReleases returns the union of both tiers, the local copy winning
// per version, sorted by creation date.
func (d *DB) ListReleases(ctx context.Context) ([]*model.ReleaseDesc, error) {
	if err := d.ensureSynced(ctx); err != nil {
		return nil, err
	}

	out, err := d.local.ListReleases()
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]struct{}, len(out))
	for _, r := range out {
		byVersion[r.Version] = struct{}{}
	}

	for _, key := range d.remote.Keys(releasesDir + "/") {
		rest := strings.TrimPrefix(key, releasesDir+"/")
		if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
			continue
		}
		if _, ok := byVersion[strings.TrimSuffix(rest, ".json")]; ok {
			continue
		}
		data, err := d.remote.Read(key)
		if err != nil {
			return nil, err
		}
		r, err := model.UnmarshalReleaseDesc(data)
		if err != nil {
			d.log.Error("malformed release record", "key", key, "error", err)
			return nil, malformed("list_releases", key, err)
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreationDate.Equal(out[j].CreationDate) {
			return out[i].Version < out[j].Version
		}
		return out[i].CreationDate.Before(out[j].CreationDate)
	})
	return out, nil
}

// StoreManifest writes to the local tier.
func (d *DB) StoreManifest(m *model.ReleaseManifest) error { return d.local.StoreManifest(m) }

// StorePatchSet writes to the local tier.
func (d *DB) StorePatchSet(ps model.PatchSet) error { return d.local.StorePatchSet(ps) }

// StorePatch writes to the local tier.
func (d *DB) StorePatch(p *model.Patch, text []byte) error { return d.local.StorePatch(p, text) }

// StoreRelease writes to the local tier.
func (d *DB) StoreRelease(desc *model.ReleaseDesc) error { return d.local.StoreRelease(desc) }

// StoreComponent writes to the local tier.
func (d *DB) StoreComponent(c *model.ReleaseComponent, longVersion string) error {
	return d.local.StoreComponent(c, longVersion)
}

// PublishManifest pushes the manifest and everything it references to
// the remote tier, in dependency order: for each patch set not yet
// remote, its patches and texts, then the set envelope, then the
// secondary indexes; published sets are removed from the local tier;
// finally the manifest itself and its name alias, then the watermark.
//
// Etag discipline: a manifest known to the mirror publishes IfMatch its
// synced etag, otherwise IfAbsent. A precondition failure is fatal for
// the run and never retried here.
func (d *DB) PublishManifest(ctx context.Context, m *model.ReleaseManifest) error {
	const op = "publish_manifest"
	if err := d.ensureSynced(ctx); err != nil {
		return err
	}

	for _, psID := range m.PatchSets {
		if d.remote.Has(PatchSetKey(psID)) {
			continue
		}
		ps, err := d.local.LoadPatchSet(psID)
		if err != nil {
			return err
		}
		if err := d.publishPatchSet(ctx, ps); err != nil {
			return err
		}
		if err := d.local.RemovePatchSet(psID); err != nil {
			return err
		}
	}

	key := ManifestKey(m.ReleaseUUID)
	data, err := marshalRecord(m)
	if err != nil {
		return newError(op, key, err)
	}
	pre := store.IfAbsent()
	if etag, ok := d.remote.ETag(key); ok {
		pre = store.IfMatch(etag)
	}
	if _, err := d.remote.Publish(ctx, key, data, contentTypeJSON, pre); err != nil {
		switch {
		case errors.Is(err, store.ErrEtagMismatch):
			return &ConflictingManifestError{UUID: m.ReleaseUUID}
		case errors.Is(err, store.ErrObjectAlreadyExists):
			return &ExistingManifestError{UUID: m.ReleaseUUID}
		}
		return err
	}

	if m.Name != "" {
		alias, err := marshalRecord(aliasRecord{ReleaseUUID: m.ReleaseUUID})
		if err != nil {
			return newError(op, ManifestAliasKey(m.Name), err)
		}
		if _, err := d.remote.Publish(ctx, ManifestAliasKey(m.Name), alias, contentTypeJSON, store.None()); err != nil {
			return err
		}
	}

	// Keep the editable local copy in step with what went remote.
	if err := d.local.StoreManifest(m); err != nil {
		return err
	}

	if _, err := d.remote.WriteMarker(ctx); err != nil {
		return err
	}
	d.log.Info("manifest published", "manifest", m.ReleaseUUID, "name", m.Name)
	return nil
}

func (d *DB) publishPatchSet(ctx context.Context, ps model.PatchSet) error {
	const op = "publish_patchset"
	base := ps.Base()

	for i := range base.Patches {
		p := &base.Patches[i]
		key := PatchKey(p.PatchUUID)
		if !d.remote.Has(key) {
			data, err := marshalRecord(p)
			if err != nil {
				return newError(op, key, err)
			}
			if err := d.publishIfAbsent(ctx, key, data, contentTypeJSON); err != nil {
				return err
			}
		}

		fileKey := PatchFileKey(p.PatchUUID)
		if d.remote.Has(fileKey) {
			continue
		}
		text, err := d.local.LoadPatchFile(p.PatchUUID)
		switch {
		case err == nil:
			if err := d.publishIfAbsent(ctx, fileKey, text, contentTypeText); err != nil {
				return err
			}
		case !IsNotFound(err):
			return err
		}
	}

	setKey := PatchSetKey(base.PatchSetUUID)
	data, err := model.MarshalPatchSet(ps)
	if err != nil {
		return newError(op, setKey, err)
	}
	if err := d.publishIfAbsent(ctx, setKey, data, contentTypeJSON); err != nil {
		return err
	}

	for i := range base.Patches {
		p := &base.Patches[i]
		shaKey := PatchSHAKey(p.SHA)
		if d.remote.Has(shaKey) {
			continue
		}
		if err := d.publishIfAbsent(ctx, shaKey, []byte(p.PatchUUID+"\n"), contentTypeText); err != nil {
			return err
		}
	}
	if pr, ok := ps.(*model.GitHubPullRequest); ok {
		prKey := PullRequestKey(pr.OrgName, pr.RepoName, pr.PullRequestID)
		if _, err := d.remote.Publish(ctx, prKey, []byte(base.PatchSetUUID+"\n"), contentTypeText, store.None()); err != nil {
			return err
		}
	}
	return nil
}

// publishIfAbsent writes an immutable object. A concurrent publisher
// having written the identical content first counts as success.
func (d *DB) publishIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := d.remote.Publish(ctx, key, data, contentType, store.IfAbsent())
	if err != nil && errors.Is(err, store.ErrObjectAlreadyExists) {
		d.log.Debug("object already published", "key", key)
		return nil
	}
	return err
}

// PublishRelease writes the release descriptor with optimistic
// concurrency: fetch the current remote copy, merge this writer's
// per-architecture build entries on top, and put IfMatch. On a racing
// writer the loop refetches and merges again, so no architecture's
// entry is ever lost. Returns the descriptor as published.
func (d *DB) PublishRelease(ctx context.Context, desc *model.ReleaseDesc) (*model.ReleaseDesc, error) {
	const op = "publish_release"
	key := ReleaseKey(desc.Version)

	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		merged := desc
		pre := store.IfAbsent()

		data, etag, err := d.remote.Fetch(ctx, key)
		switch {
		case err == nil:
			current, decErr := model.UnmarshalReleaseDesc(data)
			if decErr != nil {
				d.log.Error("malformed release record", "key", key, "error", decErr)
				return nil, malformed(op, key, decErr)
			}
			for _, entry := range desc.Builds {
				current.MergeBuild(entry)
			}
			if desc.CompletedDate != nil {
				current.CompletedDate = desc.CompletedDate
			}
			merged = current
			pre = store.IfMatch(etag)
		case IsNotFound(err):
			// First publisher for this version.
		default:
			return nil, err
		}

		out, err := marshalRecord(merged)
		if err != nil {
			return nil, newError(op, key, err)
		}
		if _, err := d.remote.Publish(ctx, key, out, contentTypeJSON, pre); err != nil {
			if errors.Is(err, store.ErrEtagMismatch) || errors.Is(err, store.ErrObjectAlreadyExists) {
				d.log.Warn("release publish raced, merging remote copy",
					"version", desc.Version, "attempt", attempt)
				continue
			}
			return nil, err
		}

		if err := d.local.StoreRelease(merged); err != nil {
			return nil, err
		}
		if _, err := d.remote.WriteMarker(ctx); err != nil {
			return nil, err
		}
		return merged, nil
	}
	return nil, newError(op, key,
		fmt.Errorf("%w: gave up after %d attempts", store.ErrEtagMismatch, maxPublishAttempts))
}

// PublishComponent appends this writer's build instances to the
// component record under the same fetch-merge-put discipline. Entries
// are only ever appended; a forced rebuild adds a second instance
// beside the old one.
func (d *DB) PublishComponent(ctx context.Context, c *model.ReleaseComponent, longVersion string) (*model.ReleaseComponent, error) {
	const op = "publish_component"
	key := ComponentKey(c.Name, longVersion)

	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		merged := c
		pre := store.IfAbsent()

		data, etag, err := d.remote.Fetch(ctx, key)
		switch {
		case err == nil:
			var current model.ReleaseComponent
			if decErr := json.Unmarshal(data, &current); decErr != nil {
				d.log.Error("malformed component record", "key", key, "error", decErr)
				return nil, malformed(op, key, decErr)
			}
			if current.Name == "" {
				current.Name = c.Name
			}
			for _, v := range c.Versions {
				if !containsVersion(current.Versions, v) {
					current.Append(v)
				}
			}
			merged = &current
			pre = store.IfMatch(etag)
		case IsNotFound(err):
		default:
			return nil, err
		}

		out, err := marshalRecord(merged)
		if err != nil {
			return nil, newError(op, key, err)
		}
		if _, err := d.remote.Publish(ctx, key, out, contentTypeJSON, pre); err != nil {
			if errors.Is(err, store.ErrEtagMismatch) || errors.Is(err, store.ErrObjectAlreadyExists) {
				d.log.Warn("component publish raced, merging remote copy",
					"component", c.Name, "attempt", attempt)
				continue
			}
			return nil, err
		}

		if err := d.local.StoreComponent(merged, longVersion); err != nil {
			return nil, err
		}
		if _, err := d.remote.WriteMarker(ctx); err != nil {
			return nil, err
		}
		return merged, nil
	}
	return nil, newError(op, key,
		fmt.Errorf("%w: gave up after %d attempts", store.ErrEtagMismatch, maxPublishAttempts))
}

// PublishStagePointers writes a version's staging queue. The
// destination must be empty, every referenced patch text must already
// be remote, and the pointers are written in sequence order.
func (d *DB) PublishStagePointers(ctx context.Context, version string, ptrs []StagePointer) error {
	const op = "publish_stages"
	if len(ptrs) == 0 {
		return nil
	}
	if err := d.ensureSynced(ctx); err != nil {
		return err
	}

	existing, err := d.remote.FreshKeys(ctx, StagingPrefix(version))
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return newError(op, StagingPrefix(version), ErrStagePatchesExist)
	}

	for _, ptr := range ptrs {
		if !d.remote.Has(PatchFileKey(ptr.PatchUUID)) {
			return newError(op, PatchFileKey(ptr.PatchUUID),
				fmt.Errorf("%w: patch %s", ErrMissingStagePatch, ptr.PatchUUID))
		}
	}

	for _, ptr := range ptrs {
		key := StagingPointerKey(version, ptr.Seq, ptr.Slug)
		if _, err := d.remote.Publish(ctx, key, []byte(ptr.PatchUUID+"\n"), contentTypeText, store.IfAbsent()); err != nil {
			if errors.Is(err, store.ErrObjectAlreadyExists) {
				return newError(op, key, ErrStagePatchesExist)
			}
			return err
		}
	}

	if _, err := d.remote.WriteMarker(ctx); err != nil {
		return err
	}
	d.log.Info("stage pointers published", "version", version, "count", len(ptrs))
	return nil
}

func (d *DB) readRemoteLiteral(key string) (string, error) {
	data, err := d.remote.Read(key)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", malformed("read", key, errors.New("empty index record"))
	}
	return v, nil
}

func (d *DB) readRemoteLiteralAlias(key string) (string, error) {
	data, err := d.remote.Read(key)
	if err != nil {
		return "", err
	}
	var alias aliasRecord
	if err := json.Unmarshal(data, &alias); err != nil {
		return "", malformed("read", key, err)
	}
	if alias.ReleaseUUID == "" {
		return "", malformed("read", key, errors.New("empty alias record"))
	}
	return alias.ReleaseUUID, nil
}

func containsVersion(list []model.ReleaseComponentVersion, v model.ReleaseComponentVersion) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
