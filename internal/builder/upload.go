package builder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
	"github.com/clyso/cbs/internal/store"
)

// upload indexes each component's output tree, pushes it to the artifact
// store, and assembles the component version records for publishing.
func (e *Engine) upload(ctx context.Context, builds []*componentBuild, log *logging.Logger) ([]model.ReleaseComponentVersion, error) {
	versions := make([]model.ReleaseComponentVersion, len(builds))
	err := fanOut("upload", builds,
		func(b *componentBuild) string { return b.info.Name },
		func(i int, b *componentBuild) error {
			v, err := e.uploadComponent(ctx, b, log)
			if err != nil {
				return err
			}
			versions[i] = *v
			return nil
		})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (e *Engine) uploadComponent(ctx context.Context, b *componentBuild, log *logging.Logger) (*model.ReleaseComponentVersion, error) {
	// createrepo_c writes repodata/ into the tree before upload, so a
	// package manager can point straight at the published location.
	if res, err := e.deps.Runner.Run(ctx, "createrepo_c", []string{b.topdir}); err != nil {
		return nil, &ScriptError{Script: "createrepo_c", Args: []string{b.topdir}, Output: scriptOutput(res), Err: err}
	}

	prefix := artifactPrefix(b.info.Name, b.info.LongVersion, e.opts.OSVersion)
	uploaded := 0
	err := filepath.WalkDir(b.topdir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.topdir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		key := prefix + "/" + filepath.ToSlash(rel)
		if _, err := e.deps.Store.Put(ctx, key, data, mimetype.Detect(data).String(), store.None()); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return nil, err
	}

	releaseRPM, err := e.releaseRPMLoc(ctx, b, prefix)
	if err != nil {
		return nil, err
	}

	log.Info("component uploaded",
		"name", b.info.Name, "objects", uploaded, "loc", prefix)
	return &model.ReleaseComponentVersion{
		Name:      b.info.Name,
		Version:   b.info.LongVersion,
		SHA1:      b.info.SHA1,
		Arch:      e.opts.Arch,
		BuildType: e.opts.BuildType,
		OSVersion: e.opts.OSVersion,
		RepoURL:   b.info.RepoURL,
		Artifacts: model.ComponentArtifacts{
			Loc:           prefix,
			ReleaseRPMLoc: releaseRPM,
		},
	}, nil
}

// releaseRPMLoc asks the component's optional get_release_rpm script
// which file bootstraps the repository on a consumer host. The script
// prints a path relative to the output tree; components without the
// script have no release RPM.
func (e *Engine) releaseRPMLoc(ctx context.Context, b *componentBuild, prefix string) (string, error) {
	script := e.scriptPath(b.info.Name, scriptGetReleaseRPM)
	if script == "" {
		return "", nil
	}
	args := []string{b.info.RepoPath, e.opts.OSVersion, b.topdir}
	res, err := e.deps.Runner.Run(ctx, script, args)
	if err != nil {
		return "", &ScriptError{Script: script, Args: args, Output: scriptOutput(res), Err: err}
	}
	rel := strings.TrimSpace(res.Stdout)
	if rel == "" {
		return "", nil
	}
	return prefix + "/" + filepath.ToSlash(rel), nil
}

// artifactPrefix is the object key layout consumers depend on:
// {name}/rpm-{long_version}/{os_version}.clyso/...
func artifactPrefix(name, longVersion, osVersion string) string {
	return fmt.Sprintf("%s/rpm-%s/%s.clyso", name, longVersion, osVersion)
}
