package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// PatchSetType discriminates the patch set union in the persisted envelope.
type PatchSetType string

const (
	// TypeVanilla is a generic patch set imported from a local range.
	TypeVanilla PatchSetType = "patchset"
	// TypeGitHubPR is a patch set tracking a GitHub pull request.
	TypeGitHubPR PatchSetType = "github_pr"
)

// PatchSet is the closed union over the vanilla and GitHub variants.
// A persisted set is never empty; an empty patches list signals an error in
// the layer that produced it, not a valid state.
type PatchSet interface {
	// Base exposes the fields common to every variant.
	Base() *PatchSetBase
	// Type returns the envelope discriminator for this variant.
	Type() PatchSetType

	isPatchSet()
}

// PatchSetBase is the vanilla variant and the common core of every variant.
type PatchSetBase struct {
	Author       AuthorData `json:"author"`
	CreationDate time.Time  `json:"creation_date"`
	Title        string     `json:"title"`
	RelatedTo    []string   `json:"related_to,omitempty"`
	// Patches is ordered oldest to newest.
	Patches      []Patch `json:"patches"`
	PatchSetUUID string  `json:"patchset_uuid"`
}

// GitHubPullRequest is a patch set sourced from a GitHub pull request.
type GitHubPullRequest struct {
	PatchSetBase

	OrgName       string     `json:"org_name"`
	RepoName      string     `json:"repo_name"`
	RepoURL       string     `json:"repo_url"`
	PullRequestID int        `json:"pull_request_id"`
	MergeDate     *time.Time `json:"merge_date,omitempty"`
	Merged        bool       `json:"merged"`
	TargetBranch  string     `json:"target_branch"`
	UpdatedDate   *time.Time `json:"updated_date,omitempty"`
}

// NewPatchSetBase creates a vanilla patch set with a fresh identity UUID.
func NewPatchSetBase(author AuthorData, title string, patches []Patch) *PatchSetBase {
	ps := &PatchSetBase{
		Author:       author,
		CreationDate: time.Now().UTC(),
		Title:        title,
		Patches:      patches,
		PatchSetUUID: NewUUID(),
	}
	ps.adoptPatches()
	return ps
}

// NewGitHubPullRequest creates a GitHub patch set with a fresh identity UUID.
func NewGitHubPullRequest(author AuthorData, title, org, repo, repoURL string, prID int, patches []Patch) *GitHubPullRequest {
	pr := &GitHubPullRequest{
		PatchSetBase: PatchSetBase{
			Author:       author,
			CreationDate: time.Now().UTC(),
			Title:        title,
			Patches:      patches,
			PatchSetUUID: NewUUID(),
		},
		OrgName:       org,
		RepoName:      repo,
		RepoURL:       repoURL,
		PullRequestID: prID,
	}
	pr.adoptPatches()
	return pr
}

func (p *PatchSetBase) adoptPatches() {
	for i := range p.Patches {
		p.Patches[i].PatchSetUUID = p.PatchSetUUID
	}
}

// Base implements PatchSet.
func (p *PatchSetBase) Base() *PatchSetBase { return p }

// Type implements PatchSet.
func (p *PatchSetBase) Type() PatchSetType { return TypeVanilla }

func (p *PatchSetBase) isPatchSet() {}

// Type implements PatchSet.
func (g *GitHubPullRequest) Type() PatchSetType { return TypeGitHubPR }

// BaseSHA returns the parent of the first patch, the commit the set applies
// onto. Empty when the set holds no patches.
func (p *PatchSetBase) BaseSHA() string {
	if len(p.Patches) == 0 {
		return ""
	}
	return p.Patches[0].Parent
}

// PatchCount returns the number of patches in the set.
func (p *PatchSetBase) PatchCount() int { return len(p.Patches) }

// ContainsPatch reports whether the set holds a patch with the given UUID.
func (p *PatchSetBase) ContainsPatch(patchUUID string) bool {
	for i := range p.Patches {
		if p.Patches[i].PatchUUID == patchUUID {
			return true
		}
	}
	return false
}

// ShouldUpdate reports whether a stored GitHub set must be replaced by a
// freshly fetched copy: only while unmerged, and only when the upstream copy
// is newer.
func (g *GitHubPullRequest) ShouldUpdate(upstream *GitHubPullRequest) bool {
	if g.Merged {
		return false
	}
	if g.UpdatedDate == nil || upstream.UpdatedDate == nil {
		return true
	}
	return upstream.UpdatedDate.After(*g.UpdatedDate)
}

// patchSetEnvelope is the persisted representation of the union:
// {"type": ..., "info": ...}. Legacy objects carry no type field and are
// discriminated by the presence of pull_request_id in info.
type patchSetEnvelope struct {
	Type PatchSetType    `json:"type,omitempty"`
	Info json.RawMessage `json:"info"`
}

// MarshalPatchSet encodes a patch set into its tagged envelope.
func MarshalPatchSet(ps PatchSet) ([]byte, error) {
	info, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("model: encode patchset %s: %w", ps.Base().PatchSetUUID, err)
	}
	data, err := json.Marshal(patchSetEnvelope{Type: ps.Type(), Info: info})
	if err != nil {
		return nil, fmt.Errorf("model: encode patchset envelope %s: %w", ps.Base().PatchSetUUID, err)
	}
	return data, nil
}

// UnmarshalPatchSet decodes a tagged envelope back into the right variant.
// Envelopes without a type field are legacy data; the GitHub variant is
// recognized there by the presence of a pull_request_id field.
func UnmarshalPatchSet(data []byte) (PatchSet, error) {
	var env patchSetEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("model: decode patchset envelope: %w", err)
	}
	if len(env.Info) == 0 {
		return nil, fmt.Errorf("model: patchset envelope has no info")
	}

	typ := env.Type
	if typ == "" {
		typ = sniffPatchSetType(env.Info)
	}

	switch typ {
	case TypeGitHubPR:
		var pr GitHubPullRequest
		if err := json.Unmarshal(env.Info, &pr); err != nil {
			return nil, fmt.Errorf("model: decode github patchset: %w", err)
		}
		return &pr, nil
	case TypeVanilla:
		var ps PatchSetBase
		if err := json.Unmarshal(env.Info, &ps); err != nil {
			return nil, fmt.Errorf("model: decode patchset: %w", err)
		}
		return &ps, nil
	default:
		return nil, fmt.Errorf("model: unknown patchset type %q", typ)
	}
}

func sniffPatchSetType(info json.RawMessage) PatchSetType {
	var probe struct {
		PullRequestID *int `json:"pull_request_id"`
	}
	if err := json.Unmarshal(info, &probe); err == nil && probe.PullRequestID != nil {
		return TypeGitHubPR
	}
	return TypeVanilla
}
