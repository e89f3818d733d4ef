package db

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/clyso/cbs/internal/fsutil"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
)

const recordPerm = 0o644

// aliasRecord is the manifest name alias payload.
type aliasRecord struct {
	ReleaseUUID string `json:"release_uuid"`
}

// marshalRecord renders a JSON record identically in both tiers, so the
// bytes a publish uploads match the bytes the local tier holds.
func marshalRecord(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Local is the working tier: whole-file JSON records on a filesystem
// root, with secondary indexes written beside the primaries. One mutex
// guards read-modify-write sequences; methods are safe for concurrent
// use.
type Local struct {
	mu  sync.Mutex
	fs  fsutil.Filesystem
	log *logging.Logger
}

// NewLocal creates the tier over an existing filesystem root.
func NewLocal(fs fsutil.Filesystem, log *logging.Logger) *Local {
	if log == nil {
		log = logging.NewNop()
	}
	return &Local{fs: fs, log: log.WithComponent("db.local")}
}

// StoreManifest writes the manifest record and its name alias.
// Existing records are replaced whole.
func (l *Local) StoreManifest(m *model.ReleaseManifest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeRecord("store_manifest", ManifestKey(m.ReleaseUUID), m); err != nil {
		return err
	}
	if m.Name == "" {
		return nil
	}
	return l.writeRecord("store_manifest", ManifestAliasKey(m.Name), aliasRecord{ReleaseUUID: m.ReleaseUUID})
}

// LoadManifest reads a manifest by UUID.
func (l *Local) LoadManifest(uuid string) (*model.ReleaseManifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadManifest(uuid)
}

// LoadManifestByName resolves the name alias and reads the manifest it
// points at.
func (l *Local) LoadManifestByName(name string) (*model.ReleaseManifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	uuid, err := l.resolveAlias("load_manifest_by_name", ManifestAliasKey(name))
	if err != nil {
		return nil, err
	}
	return l.loadManifest(uuid)
}

// ListManifests reads every manifest record in the tier.
func (l *Local) ListManifests() ([]*model.ReleaseManifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	const op = "list_manifests"
	entries, err := l.fs.ReadDir(manifestsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, newError(op, manifestsDir, err)
	}

	var out []*model.ReleaseManifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m, err := l.loadManifest(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// StorePatchSet writes the patch set envelope and, for pull-request
// sets, the PR index beside it.
func (l *Local) StorePatchSet(ps model.PatchSet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storePatchSet(ps)
}

func (l *Local) storePatchSet(ps model.PatchSet) error {
	const op = "store_patchset"
	key := PatchSetKey(ps.Base().PatchSetUUID)
	data, err := model.MarshalPatchSet(ps)
	if err != nil {
		return newError(op, key, err)
	}
	if err := l.fs.WriteFile(key, data, recordPerm); err != nil {
		return newError(op, key, err)
	}

	pr, ok := ps.(*model.GitHubPullRequest)
	if !ok {
		return nil
	}
	return l.writeLiteral(op, PullRequestKey(pr.OrgName, pr.RepoName, pr.PullRequestID), ps.Base().PatchSetUUID)
}

// LoadPatchSet reads a patch set by UUID.
func (l *Local) LoadPatchSet(uuid string) (model.PatchSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadPatchSet(uuid)
}

// LoadPatchSetByPR resolves the pull-request index and reads the patch
// set it points at.
func (l *Local) LoadPatchSetByPR(org, repo string, prID int) (model.PatchSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	uuid, err := l.readLiteral("load_patchset_by_pr", PullRequestKey(org, repo, prID))
	if err != nil {
		return nil, err
	}
	return l.loadPatchSet(uuid)
}

// RemovePatchSet drops a patch set, its patches, and every index entry
// for them. Already-missing pieces are skipped so a publish interrupted
// mid-cleanup can run again.
func (l *Local) RemovePatchSet(uuid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ps, err := l.loadPatchSet(uuid)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	base := ps.Base()
	for i := range base.Patches {
		p := &base.Patches[i]
		l.removeQuiet(PatchKey(p.PatchUUID))
		l.removeQuiet(PatchSHAKey(p.SHA))
		l.removeQuiet(PatchFileKey(p.PatchUUID))
	}
	if pr, ok := ps.(*model.GitHubPullRequest); ok {
		l.removeQuiet(PullRequestKey(pr.OrgName, pr.RepoName, pr.PullRequestID))
	}
	l.removeQuiet(PatchSetKey(uuid))
	return nil
}

// StorePatch writes the patch record, its commit index, and its
// formatted text. Fails ErrPatchExists when the UUID is already stored.
func (l *Local) StorePatch(p *model.Patch, text []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	const op = "store_patch"
	key := PatchKey(p.PatchUUID)
	exists, err := l.fs.Exists(key)
	if err != nil {
		return newError(op, key, err)
	}
	if exists {
		return newError(op, key, ErrPatchExists)
	}

	if err := l.writeRecord(op, key, p); err != nil {
		return err
	}
	if err := l.writeLiteral(op, PatchSHAKey(p.SHA), p.PatchUUID); err != nil {
		return err
	}
	if len(text) == 0 {
		return nil
	}
	return l.storePatchFile(op, p.PatchUUID, text)
}

// ImportPatch writes a patch record fetched from the remote tier,
// replacing any partial local copy.
func (l *Local) ImportPatch(p *model.Patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	const op = "import_patch"
	if err := l.writeRecord(op, PatchKey(p.PatchUUID), p); err != nil {
		return err
	}
	return l.writeLiteral(op, PatchSHAKey(p.SHA), p.PatchUUID)
}

// StorePatchFile writes the formatted patch text for a UUID.
func (l *Local) StorePatchFile(uuid string, text []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storePatchFile("store_patch_file", uuid, text)
}

// LoadPatch reads a patch by UUID.
func (l *Local) LoadPatch(uuid string) (*model.Patch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadPatch(uuid)
}

// LoadPatchBySHA resolves the commit index and reads the patch it
// points at.
func (l *Local) LoadPatchBySHA(sha string) (*model.Patch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	uuid, err := l.readLiteral("load_patch_by_sha", PatchSHAKey(sha))
	if err != nil {
		return nil, err
	}
	return l.loadPatch(uuid)
}

// LoadPatchFile reads the formatted patch text for a UUID.
func (l *Local) LoadPatchFile(uuid string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	const op = "load_patch_file"
	key := PatchFileKey(uuid)
	data, err := l.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(op, key)
		}
		return nil, newError(op, key, err)
	}
	return data, nil
}

// StoreRelease writes a release descriptor record.
func (l *Local) StoreRelease(d *model.ReleaseDesc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeRecord("store_release", ReleaseKey(d.Version), d)
}

// LoadRelease reads a release descriptor, lifting legacy flat records.
func (l *Local) LoadRelease(version string) (*model.ReleaseDesc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadRelease(version)
}

// ListReleases reads every release descriptor in the tier.
func (l *Local) ListReleases() ([]*model.ReleaseDesc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	const op = "list_releases"
	entries, err := l.fs.ReadDir(releasesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, newError(op, releasesDir, err)
	}

	var out []*model.ReleaseDesc
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		d, err := l.loadRelease(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// StoreComponent writes a component record for one built long version.
func (l *Local) StoreComponent(c *model.ReleaseComponent, longVersion string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeRecord("store_component", ComponentKey(c.Name, longVersion), c)
}

// LoadComponent reads a component record for one built long version.
func (l *Local) LoadComponent(name, longVersion string) (*model.ReleaseComponent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var c model.ReleaseComponent
	if err := l.readRecord("load_component", ComponentKey(name, longVersion), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (l *Local) loadManifest(uuid string) (*model.ReleaseManifest, error) {
	var m model.ReleaseManifest
	if err := l.readRecord("load_manifest", ManifestKey(uuid), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (l *Local) loadPatchSet(uuid string) (model.PatchSet, error) {
	const op = "load_patchset"
	key := PatchSetKey(uuid)
	data, err := l.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(op, key)
		}
		return nil, newError(op, key, err)
	}

	ps, err := model.UnmarshalPatchSet(data)
	if err != nil {
		l.log.Error("malformed patchset record", "key", key, "error", err)
		return nil, malformed(op, key, err)
	}
	return ps, nil
}

func (l *Local) loadPatch(uuid string) (*model.Patch, error) {
	var p model.Patch
	if err := l.readRecord("load_patch", PatchKey(uuid), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *Local) loadRelease(version string) (*model.ReleaseDesc, error) {
	const op = "load_release"
	key := ReleaseKey(version)
	data, err := l.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(op, key)
		}
		return nil, newError(op, key, err)
	}

	d, err := model.UnmarshalReleaseDesc(data)
	if err != nil {
		l.log.Error("malformed release record", "key", key, "error", err)
		return nil, malformed(op, key, err)
	}
	return d, nil
}

func (l *Local) resolveAlias(op, key string) (string, error) {
	data, err := l.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", notFound(op, key)
		}
		return "", newError(op, key, err)
	}

	var alias aliasRecord
	if err := json.Unmarshal(data, &alias); err != nil {
		l.log.Error("malformed alias record", "key", key, "error", err)
		return "", malformed(op, key, err)
	}
	if alias.ReleaseUUID == "" {
		l.log.Error("malformed alias record", "key", key, "error", "empty alias")
		return "", malformed(op, key, errors.New("empty alias record"))
	}
	return alias.ReleaseUUID, nil
}

func (l *Local) readRecord(op, key string, v any) error {
	data, err := l.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return notFound(op, key)
		}
		return newError(op, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		l.log.Error("malformed record", "key", key, "error", err)
		return malformed(op, key, err)
	}
	return nil
}

func (l *Local) writeRecord(op, key string, v any) error {
	data, err := marshalRecord(v)
	if err != nil {
		return newError(op, key, err)
	}
	if err := l.fs.WriteFile(key, data, recordPerm); err != nil {
		return newError(op, key, err)
	}
	return nil
}

func (l *Local) readLiteral(op, key string) (string, error) {
	data, err := l.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", notFound(op, key)
		}
		return "", newError(op, key, err)
	}

	v := strings.TrimSpace(string(data))
	if v == "" {
		l.log.Error("empty index record", "key", key)
		return "", malformed(op, key, errors.New("empty index record"))
	}
	return v, nil
}

func (l *Local) writeLiteral(op, key, value string) error {
	if err := l.fs.WriteFile(key, []byte(value+"\n"), recordPerm); err != nil {
		return newError(op, key, err)
	}
	return nil
}

func (l *Local) storePatchFile(op, uuid string, text []byte) error {
	key := PatchFileKey(uuid)
	if err := l.fs.WriteFile(key, text, recordPerm); err != nil {
		return newError(op, key, err)
	}
	return nil
}

func (l *Local) removeQuiet(key string) {
	if err := l.fs.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("cleanup failed", "key", key, "error", err)
	}
}
