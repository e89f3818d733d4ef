package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ComponentArtifacts locates a component's uploaded build output.
type ComponentArtifacts struct {
	Loc           string `json:"loc"`
	ReleaseRPMLoc string `json:"release_rpm_loc,omitempty"`
}

// ReleaseComponentVersion is one built instance of a component for a
// specific {arch, build type, os version} tuple.
type ReleaseComponentVersion struct {
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	SHA1      string             `json:"sha1"`
	Arch      string             `json:"arch"`
	BuildType string             `json:"build_type"`
	OSVersion string             `json:"os_version"`
	RepoURL   string             `json:"repo_url"`
	Artifacts ComponentArtifacts `json:"artifacts"`
}

// Matches reports whether this build instance covers the requested target.
func (v *ReleaseComponentVersion) Matches(arch, buildType, osVersion string) bool {
	return v.Arch == arch && v.BuildType == buildType && v.OSVersion == osVersion
}

// ReleaseComponent accumulates the built versions of one component across
// architectures and OS versions over time. Versions are only appended, never
// overwritten: a forced rebuild adds a second entry beside the old one.
type ReleaseComponent struct {
	Name     string                    `json:"name"`
	Versions []ReleaseComponentVersion `json:"versions"`
}

// HasBuild reports whether any recorded version matches the requested
// {arch, build type, os version} tuple. A build for a different tuple does
// not count.
func (c *ReleaseComponent) HasBuild(arch, buildType, osVersion string) bool {
	return c.FindBuild(arch, buildType, osVersion) != nil
}

// FindBuild returns the newest recorded version matching the requested tuple,
// or nil.
func (c *ReleaseComponent) FindBuild(arch, buildType, osVersion string) *ReleaseComponentVersion {
	for i := len(c.Versions) - 1; i >= 0; i-- {
		if c.Versions[i].Matches(arch, buildType, osVersion) {
			return &c.Versions[i]
		}
	}
	return nil
}

// Append records a new build instance.
func (c *ReleaseComponent) Append(v ReleaseComponentVersion) {
	c.Versions = append(c.Versions, v)
}

// ReleaseBuildEntry is the per-architecture slice of a release descriptor.
// Component names are unique within one entry by construction of the map.
type ReleaseBuildEntry struct {
	Arch       string                             `json:"arch"`
	BuildType  string                             `json:"build_type"`
	OSVersion  string                             `json:"os_version"`
	Components map[string]ReleaseComponentVersion `json:"components"`
}

// ReleaseDesc is the published record of which component versions constitute
// a release, keyed by target architecture. Immutable once its etag
// round-trips; later runs re-check existence before rebuilding.
type ReleaseDesc struct {
	Version       string                       `json:"version"`
	CreationDate  time.Time                    `json:"creation_date"`
	CompletedDate *time.Time                   `json:"completed_date,omitempty"`
	Builds        map[string]ReleaseBuildEntry `json:"builds"`
}

// NewReleaseDesc creates an empty descriptor for version.
func NewReleaseDesc(version string) *ReleaseDesc {
	return &ReleaseDesc{
		Version:      version,
		CreationDate: time.Now().UTC(),
		Builds:       make(map[string]ReleaseBuildEntry),
	}
}

// MergeBuild replaces only the entry for entry.Arch, leaving other
// architectures untouched. Re-running a build for one architecture never
// clobbers another's entry.
func (d *ReleaseDesc) MergeBuild(entry ReleaseBuildEntry) {
	if d.Builds == nil {
		d.Builds = make(map[string]ReleaseBuildEntry)
	}
	d.Builds[entry.Arch] = entry
}

// HasBuild reports whether the descriptor carries an entry for arch.
func (d *ReleaseDesc) HasBuild(arch string) bool {
	_, ok := d.Builds[arch]
	return ok
}

// legacyReleaseDesc is the flat first-generation descriptor shape:
// {version, el_version, components}. Read support only.
type legacyReleaseDesc struct {
	Version    string                             `json:"version"`
	ELVersion  string                             `json:"el_version"`
	Components map[string]ReleaseComponentVersion `json:"components"`
}

// LegacyDefaultArch is the architecture assigned when lifting a legacy flat
// descriptor; first-generation descriptors were only ever built for it.
const LegacyDefaultArch = "x86_64"

// UnmarshalReleaseDesc decodes a descriptor, lifting the legacy flat shape
// into the builds-keyed-by-arch form when encountered.
func UnmarshalReleaseDesc(data []byte) (*ReleaseDesc, error) {
	var desc ReleaseDesc
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("model: decode release descriptor: %w", err)
	}
	if desc.Builds != nil {
		return &desc, nil
	}

	var legacy legacyReleaseDesc
	if err := json.Unmarshal(data, &legacy); err != nil || legacy.Components == nil {
		// Not legacy either: a current descriptor with no builds yet.
		desc.Builds = make(map[string]ReleaseBuildEntry)
		return &desc, nil
	}

	desc.Builds = map[string]ReleaseBuildEntry{
		LegacyDefaultArch: {
			Arch:       LegacyDefaultArch,
			BuildType:  "rpm",
			OSVersion:  legacy.ELVersion,
			Components: legacy.Components,
		},
	}
	return &desc, nil
}

// BuildComponentInfo is the result of preparing one component's source tree,
// the input to the build step. Ephemeral, never persisted.
type BuildComponentInfo struct {
	Name        string
	RepoPath    string
	RepoURL     string
	BaseRef     string
	SHA1        string
	LongVersion string
}
