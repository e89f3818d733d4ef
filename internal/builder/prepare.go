package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
)

// prepare clones or refreshes every component checkout, applies the local
// patch hierarchy, and resolves each component's build identity. All
// components are prepared in parallel and every failure is reported.
func (e *Engine) prepare(ctx context.Context, desc *VersionDescriptor, log *logging.Logger) ([]*model.BuildComponentInfo, error) {
	infos := make([]*model.BuildComponentInfo, len(desc.Components))
	err := fanOut("prepare", desc.Components,
		func(c ComponentSpec) string { return c.Name },
		func(i int, spec ComponentSpec) error {
			info, err := e.prepareComponent(ctx, spec, desc.Version, log)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (e *Engine) prepareComponent(ctx context.Context, spec ComponentSpec, version string, log *logging.Logger) (*model.BuildComponentInfo, error) {
	path := filepath.Join(e.opts.Workdir, "src", spec.Name)

	cloneURL, err := e.deps.Creds.GitCloneURL(ctx, spec.RepoURL)
	if err != nil {
		return nil, err
	}
	repo, err := e.deps.Open(ctx, cloneURL, path)
	if err != nil {
		return nil, err
	}
	if err := repo.Update(ctx, spec.Ref); err != nil {
		return nil, err
	}

	patches, err := componentPatches(e.opts.PatchesDir, spec.Name, version)
	if err != nil {
		return nil, err
	}
	for _, p := range patches {
		if err := repo.Am(ctx, p); err != nil {
			if abortErr := repo.AmAbort(ctx); abortErr != nil {
				log.Warn("am abort failed, checkout left mid-apply",
					"name", spec.Name, "error", abortErr)
			}
			return nil, fmt.Errorf("apply %s: %w", filepath.Base(p), err)
		}
	}
	if len(patches) > 0 {
		log.Info("local patches applied", "name", spec.Name, "count", len(patches))
	}

	sha, err := repo.HeadSHA(ctx)
	if err != nil {
		return nil, err
	}
	described, err := repo.Describe(ctx, "")
	if err != nil {
		return nil, err
	}
	longVersion := strings.TrimPrefix(described, "v")

	log.Info("component prepared",
		"name", spec.Name, "long_version", longVersion, "sha1", sha)
	return &model.BuildComponentInfo{
		Name:        spec.Name,
		RepoPath:    path,
		RepoURL:     spec.RepoURL,
		BaseRef:     spec.Ref,
		SHA1:        sha,
		LongVersion: longVersion,
	}, nil
}
