// Package model defines the entities the pipeline persists and builds from:
// patches, patch sets, release manifests with their stages, and release
// descriptors. Entities are pure data; all I/O lives in the db package.
package model

import "time"

// AuthorData records provenance wherever it is needed. Immutable value type.
type AuthorData struct {
	User  string `json:"user"`
	Email string `json:"email"`
}

// Patch is a single upstream commit translated into release metadata.
// Created once when imported from a source commit; immutable thereafter.
type Patch struct {
	SHA              string      `json:"sha"`
	Author           AuthorData  `json:"author"`
	AuthorDate       time.Time   `json:"author_date"`
	CommitAuthor     *AuthorData `json:"commit_author,omitempty"`
	CommitDate       *time.Time  `json:"commit_date,omitempty"`
	Title            string      `json:"title"`
	Message          string      `json:"message"`
	CherryPickedFrom []string    `json:"cherry_picked_from,omitempty"`
	RelatedTo        []string    `json:"related_to,omitempty"`
	// Parent is the first parent of the source commit; the parent of a patch
	// set's first patch is the set's base.
	Parent  string `json:"parent"`
	RepoURL string `json:"repo_url"`
	// PatchID is the content-stable identifier (git patch-id), independent of
	// the commit hash, used for duplicate detection across rebases.
	PatchID      string `json:"patch_id"`
	PatchUUID    string `json:"patch_uuid"`
	PatchSetUUID string `json:"patchset_uuid,omitempty"`
}

// NewPatch creates a Patch with a fresh identity UUID.
func NewPatch(sha string, author AuthorData, authorDate time.Time, title, message string) *Patch {
	return &Patch{
		SHA:        sha,
		Author:     author,
		AuthorDate: authorDate,
		Title:      title,
		Message:    message,
		PatchUUID:  NewUUID(),
	}
}
