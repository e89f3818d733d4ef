package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildVersion(name, version, arch, buildType, osVersion string) ReleaseComponentVersion {
	return ReleaseComponentVersion{
		Name:      name,
		Version:   version,
		SHA1:      "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Arch:      arch,
		BuildType: buildType,
		OSVersion: osVersion,
		RepoURL:   "https://github.com/example/" + name + ".git",
		Artifacts: ComponentArtifacts{
			Loc:           name + "/rpm-" + version + "/" + osVersion + ".clyso/",
			ReleaseRPMLoc: name + "/rpm-" + version + "/" + osVersion + ".clyso/release.rpm",
		},
	}
}

func TestReleaseComponentHasBuildIsTupleScoped(t *testing.T) {
	c := &ReleaseComponent{Name: "ceph"}
	c.Append(buildVersion("ceph", "17.2.6-45-gdeadbee", "x86_64", "rpm", "el9"))

	tests := []struct {
		name      string
		arch      string
		buildType string
		osVersion string
		want      bool
	}{
		{"exact tuple", "x86_64", "rpm", "el9", true},
		{"different arch", "aarch64", "rpm", "el9", false},
		{"different os", "x86_64", "rpm", "el8", false},
		{"different build type", "x86_64", "debug", "el9", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.HasBuild(tt.arch, tt.buildType, tt.osVersion))
		})
	}
}

func TestReleaseComponentAppendKeepsHistory(t *testing.T) {
	c := &ReleaseComponent{Name: "ceph"}
	first := buildVersion("ceph", "17.2.6-45-gdeadbee", "x86_64", "rpm", "el9")
	second := buildVersion("ceph", "17.2.6-45-gdeadbee", "x86_64", "rpm", "el9")
	second.SHA1 = "cafecafecafecafecafecafecafecafecafecafe"

	c.Append(first)
	c.Append(second)

	require.Len(t, c.Versions, 2, "old entry retained, not overwritten")
	got := c.FindBuild("x86_64", "rpm", "el9")
	require.NotNil(t, got)
	assert.Equal(t, second.SHA1, got.SHA1, "newest entry wins lookups")
}

func TestReleaseDescMergeBuildIsPerArch(t *testing.T) {
	d := NewReleaseDesc("v18.2.1")
	d.MergeBuild(ReleaseBuildEntry{
		Arch: "x86_64", BuildType: "rpm", OSVersion: "el9",
		Components: map[string]ReleaseComponentVersion{
			"ceph": buildVersion("ceph", "18.2.1-0-gabc1234", "x86_64", "rpm", "el9"),
		},
	})
	d.MergeBuild(ReleaseBuildEntry{
		Arch: "aarch64", BuildType: "rpm", OSVersion: "el9",
		Components: map[string]ReleaseComponentVersion{
			"ceph": buildVersion("ceph", "18.2.1-0-gabc1234", "aarch64", "rpm", "el9"),
		},
	})

	require.True(t, d.HasBuild("x86_64"))
	require.True(t, d.HasBuild("aarch64"))

	// Re-merging one arch leaves the other untouched.
	d.MergeBuild(ReleaseBuildEntry{Arch: "x86_64", BuildType: "rpm", OSVersion: "el9",
		Components: map[string]ReleaseComponentVersion{}})
	assert.Empty(t, d.Builds["x86_64"].Components)
	assert.Len(t, d.Builds["aarch64"].Components, 1)
}

func TestUnmarshalReleaseDesc(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		validate func(t *testing.T, d *ReleaseDesc)
		wantErr  bool
	}{
		{
			name: "current shape",
			data: `{"version": "v18.2.1", "creation_date": "2025-03-14T09:26:53Z",
				"builds": {"x86_64": {"arch": "x86_64", "build_type": "rpm",
				"os_version": "el9", "components": {}}}}`,
			validate: func(t *testing.T, d *ReleaseDesc) {
				assert.True(t, d.HasBuild("x86_64"))
			},
		},
		{
			name: "legacy flat shape is lifted",
			data: `{"version": "v17.2.6", "el_version": "el8",
				"components": {"ceph": {"name": "ceph", "version": "17.2.6-0-gaaa",
				"sha1": "aaa", "arch": "x86_64", "build_type": "rpm",
				"os_version": "el8", "repo_url": "u", "artifacts": {"loc": "l"}}}}`,
			validate: func(t *testing.T, d *ReleaseDesc) {
				require.True(t, d.HasBuild(LegacyDefaultArch))
				entry := d.Builds[LegacyDefaultArch]
				assert.Equal(t, "el8", entry.OSVersion)
				assert.Contains(t, entry.Components, "ceph")
			},
		},
		{
			name: "empty descriptor gets a builds map",
			data: `{"version": "v19.0.0", "creation_date": "2025-03-14T09:26:53Z"}`,
			validate: func(t *testing.T, d *ReleaseDesc) {
				require.NotNil(t, d.Builds)
				assert.Empty(t, d.Builds)
			},
		},
		{
			name:    "garbage",
			data:    `{"version": [1]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := UnmarshalReleaseDesc([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, d)
		})
	}
}

func TestReleaseDescRoundTrip(t *testing.T) {
	d := NewReleaseDesc("v18.2.1")
	d.MergeBuild(ReleaseBuildEntry{
		Arch: "x86_64", BuildType: "rpm", OSVersion: "el9",
		Components: map[string]ReleaseComponentVersion{
			"ceph": buildVersion("ceph", "18.2.1-0-gabc1234", "x86_64", "rpm", "el9"),
		},
	})

	data, err := json.Marshal(d)
	require.NoError(t, err)

	decoded, err := UnmarshalReleaseDesc(data)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}
