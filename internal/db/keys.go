package db

import (
	"fmt"
	"strings"
)

// Key layout, identical in the local tier and under the remote store
// prefix. Records are JSON except the literal-UUID pointer files and
// the patch texts.
const (
	manifestsDir     = "manifests"
	manifestAliasDir = "manifests/by_name"
	patchSetsDir     = "patchsets"
	pullRequestsDir  = "patchsets/gh"
	patchesDir       = "patches/by_uuid"
	patchSHAsDir     = "patches/by_sha"
	patchFilesDir    = "patches/files"
	releasesDir      = "releases"
	componentsDir    = "releases/components"
	stagingDir       = "staging"

	// MarkerKey is the sync watermark record.
	MarkerKey = "releases/db/state.json"
)

// ManifestKey returns the primary record key for a manifest UUID.
func ManifestKey(uuid string) string {
	return manifestsDir + "/" + uuid + ".json"
}

// ManifestAliasKey returns the name alias key pointing at a manifest UUID.
func ManifestAliasKey(name string) string {
	return manifestAliasDir + "/" + name + ".json"
}

// PatchSetKey returns the envelope record key for a patch set UUID.
func PatchSetKey(uuid string) string {
	return patchSetsDir + "/" + uuid + ".json"
}

// PullRequestKey returns the pull-request index key holding a literal
// patch set UUID.
func PullRequestKey(org, repo string, prID int) string {
	return fmt.Sprintf("%s/%s/%s/%d", pullRequestsDir, org, repo, prID)
}

// PatchKey returns the primary record key for a patch UUID.
func PatchKey(uuid string) string {
	return patchesDir + "/" + uuid + ".json"
}

// PatchSHAKey returns the commit index key holding a literal patch UUID.
func PatchSHAKey(sha string) string {
	return patchSHAsDir + "/" + sha
}

// PatchFileKey returns the key of the formatted patch text.
func PatchFileKey(uuid string) string {
	return patchFilesDir + "/" + uuid + ".patch"
}

// ReleaseKey returns the release descriptor key for a version.
func ReleaseKey(version string) string {
	return releasesDir + "/" + version + ".json"
}

// ComponentKey returns the component record key for one built long version.
func ComponentKey(name, longVersion string) string {
	return fmt.Sprintf("%s/%s/%s.json", componentsDir, name, longVersion)
}

// StagingPrefix returns the staging queue prefix for a version,
// including the trailing slash.
func StagingPrefix(version string) string {
	return stagingDir + "/" + version + "/"
}

// StagingPointerKey returns the sequence-numbered pointer key for one
// staged patch.
func StagingPointerKey(version string, seq int, slug string) string {
	return fmt.Sprintf("%s/%s/%04d-%s.patch", stagingDir, version, seq, slug)
}

// Slugify reduces a patch title to the form used in staging pointer
// names, the way git format-patch names its output: runs of
// non-alphanumerics collapse to single dashes.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "patch"
	}
	const maxSlugLen = 52
	if len(s) > maxSlugLen {
		s = strings.TrimSuffix(s[:maxSlugLen], "-")
	}
	return s
}
