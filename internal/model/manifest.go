package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ReleaseManifest is a named, UUID-identified collection of patch sets
// destined for one release. Identity never changes; the name is a secondary
// alias resolved through the database.
type ReleaseManifest struct {
	Name            string `json:"name"`
	BaseReleaseName string `json:"base_release_name"`
	BaseRefOrg      string `json:"base_ref_org"`
	BaseRefRepo     string `json:"base_ref_repo"`
	BaseRef         string `json:"base_ref"`
	DstRepo         string `json:"dst_repo"`
	// PatchSets has set semantics; insertion order is kept for display.
	PatchSets     []string         `json:"patchsets"`
	CreationDate  time.Time        `json:"creation_date"`
	ReleaseUUID   string           `json:"release_uuid"`
	ReleaseGitUID string           `json:"release_git_uid"`
	Stages        []*ManifestStage `json:"stages,omitempty"`
}

// NewReleaseManifest creates a manifest with fresh identity and git tag.
func NewReleaseManifest(name, baseReleaseName, baseRefOrg, baseRefRepo, baseRef, dstRepo string) *ReleaseManifest {
	return &ReleaseManifest{
		Name:            name,
		BaseReleaseName: baseReleaseName,
		BaseRefOrg:      baseRefOrg,
		BaseRefRepo:     baseRefRepo,
		BaseRef:         baseRef,
		DstRepo:         dstRepo,
		CreationDate:    time.Now().UTC(),
		ReleaseUUID:     NewUUID(),
		ReleaseGitUID:   ShortGitUID(),
	}
}

// ContainsPatchSet reports whether the manifest already references the UUID.
func (m *ReleaseManifest) ContainsPatchSet(patchSetUUID string) bool {
	for _, id := range m.PatchSets {
		if id == patchSetUUID {
			return true
		}
	}
	return false
}

// AddPatchSets appends the sets not already referenced and partitions the
// input into added and skipped. Adding the same set twice is a no-op.
func (m *ReleaseManifest) AddPatchSets(sets []PatchSet) (added, skipped []PatchSet) {
	for _, ps := range sets {
		id := ps.Base().PatchSetUUID
		if m.ContainsPatchSet(id) {
			skipped = append(skipped, ps)
			continue
		}
		m.PatchSets = append(m.PatchSets, id)
		added = append(added, ps)
	}
	return added, skipped
}

// ActiveStage returns the open (uncommitted) stage, or nil. At most one
// stage is open at a time.
func (m *ReleaseManifest) ActiveStage() *ManifestStage {
	for _, s := range m.Stages {
		if !s.Committed {
			return s
		}
	}
	return nil
}

// Equal compares manifests by identity.
func (m *ReleaseManifest) Equal(other *ReleaseManifest) bool {
	return other != nil && m.ReleaseUUID == other.ReleaseUUID
}

// StageTag is a typed reference attached to a stage, such as an issue or
// pull request number.
type StageTag struct {
	Type string `json:"type"`
	N    int    `json:"n"`
}

// ManifestStage is an editable, author-scoped batch of patch set additions,
// committed as an atomic unit with a content hash.
type ManifestStage struct {
	StageUUID    string     `json:"stage_uuid"`
	Author       AuthorData `json:"author"`
	CreationDate time.Time  `json:"creation_date"`
	Desc         string     `json:"desc,omitempty"`
	Tags         []StageTag `json:"tags,omitempty"`
	PatchSets    []string   `json:"patchsets"`
	Committed    bool       `json:"committed"`
	// ContentHash is fixed at commit time over the ordered patch UUIDs and
	// verified later to detect corruption.
	ContentHash string `json:"content_hash,omitempty"`
	IsPublished bool   `json:"is_published"`
}

// NewManifestStage creates an open stage owned by author.
func NewManifestStage(author AuthorData, tags []StageTag, desc string) *ManifestStage {
	return &ManifestStage{
		StageUUID:    NewUUID(),
		Author:       author,
		CreationDate: time.Now().UTC(),
		Desc:         desc,
		Tags:         tags,
	}
}

// AddPatchSet appends the UUID if not already present and reports whether it
// was added.
func (s *ManifestStage) AddPatchSet(patchSetUUID string) bool {
	for _, id := range s.PatchSets {
		if id == patchSetUUID {
			return false
		}
	}
	s.PatchSets = append(s.PatchSets, patchSetUUID)
	return true
}

// Empty reports whether the stage holds no patch sets.
func (s *ManifestStage) Empty() bool { return len(s.PatchSets) == 0 }

// StageContentHash computes the hex SHA-256 over the ordered patch UUIDs.
// The hash is order-sensitive: the same UUIDs in a different order yield a
// different hash.
func StageContentHash(patchUUIDs []string) string {
	h := sha256.New()
	for _, id := range patchUUIDs {
		h.Write([]byte(id))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
