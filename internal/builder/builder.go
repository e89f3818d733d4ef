// Package builder orchestrates component builds for a release: it turns a
// version descriptor into per-component checkouts, runs the packaging
// scripts, signs and uploads the artifacts, and publishes the resulting
// component and release records.
package builder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/executor"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
	"github.com/clyso/cbs/internal/store"
)

// ComponentRepo is the per-component checkout the prepare step drives.
// *git.Repo satisfies it.
type ComponentRepo interface {
	Update(ctx context.Context, rev string) error
	Am(ctx context.Context, path string) error
	AmAbort(ctx context.Context) error
	HeadSHA(ctx context.Context) (string, error)
	Describe(ctx context.Context, match string) (string, error)
}

// OpenRepo clones remoteURL into path, or refreshes an existing clone.
type OpenRepo func(ctx context.Context, remoteURL, path string) (ComponentRepo, error)

// URLResolver injects access credentials into clone URLs.
// *secrets.Credentials satisfies it.
type URLResolver interface {
	GitCloneURL(ctx context.Context, repoURL string) (string, error)
}

// Signer signs the run's outputs. *sign.Signer satisfies it.
type Signer interface {
	SignRPMs(ctx context.Context, paths []string) error
	SignImage(ctx context.Context, ref string) error
}

// RegistryProbe answers whether an image reference is already published.
// *oci.Probe satisfies it.
type RegistryProbe interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// ImageBuilder builds and pushes the release container image from the
// published release descriptor.
type ImageBuilder interface {
	BuildAndPush(ctx context.Context, desc *model.ReleaseDesc, ref string) error
}

// ArtifactStore uploads build artifacts. *store.Client satisfies it.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string, pre store.Precondition) (string, error)
}

// Deps are the engine's collaborators. Probe and Image are optional;
// when nil the image phases are skipped.
type Deps struct {
	DB     *db.DB
	Store  ArtifactStore
	Creds  URLResolver
	Signer Signer
	Open   OpenRepo
	Runner executor.Runner
	Probe  RegistryProbe
	Image  ImageBuilder
}

// Options fixes the run target and the on-disk layout.
type Options struct {
	// Workdir holds checkouts under src/ and build output under out/.
	Workdir    string
	PatchesDir string
	ScriptsDir string
	OSVersion  string
	Arch       string
	BuildType  string

	// ImageRepo is the registry repository for release images
	// (host/path without tag); empty disables the image phases.
	ImageRepo string

	// Timeout bounds the whole run when positive.
	Timeout time.Duration
}

// RunFlags are the per-invocation switches.
type RunFlags struct {
	// Force redoes work the orchestrator believes is already done:
	// published components are rebuilt and existing images replaced.
	Force bool

	// SkipBuild fabricates the build output tree without running the
	// build scripts. For exercising the pipeline itself.
	SkipBuild bool

	// NoUpload stops the run after signing. Nothing is uploaded or
	// published and the registry is never touched.
	NoUpload bool
}

// Status reports how a run ended.
type Status int

const (
	// StatusBuilt means the run went through the full pipeline.
	StatusBuilt Status = iota
	// StatusImageExists means the release image was already in the
	// registry and nothing was done.
	StatusImageExists
	// StatusReleaseExists means the release descriptor already carried a
	// build for the target architecture and nothing was done.
	StatusReleaseExists
	// StatusNotUploaded means the run stopped after signing because
	// uploads were disabled.
	StatusNotUploaded
)

func (s Status) String() string {
	switch s {
	case StatusBuilt:
		return "built"
	case StatusImageExists:
		return "image-exists"
	case StatusReleaseExists:
		return "release-exists"
	case StatusNotUploaded:
		return "not-uploaded"
	default:
		return "unknown"
	}
}

// Result summarizes a build run.
type Result struct {
	Version string
	Status  Status
	// Built lists components that went through the build this run.
	Built []string
	// Reused lists components whose published build for the target tuple
	// was reused.
	Reused []string
	// Release is the published descriptor after merging, nil when the
	// run stopped before publishing.
	Release *model.ReleaseDesc
	// ImageRef is the canonical image URI when an image was involved.
	ImageRef string
}

// Engine drives the build pipeline.
type Engine struct {
	deps Deps
	opts Options
	log  *logging.Logger
}

// New validates the collaborator set and builds the engine.
func New(deps Deps, opts Options, log *logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.NewNop()
	}
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("builder: db is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("builder: artifact store is required")
	case deps.Creds == nil:
		return nil, fmt.Errorf("builder: credentials are required")
	case deps.Signer == nil:
		return nil, fmt.Errorf("builder: signer is required")
	case deps.Open == nil:
		return nil, fmt.Errorf("builder: repo opener is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("builder: runner is required")
	case opts.Workdir == "":
		return nil, fmt.Errorf("builder: workdir is required")
	}
	return &Engine{deps: deps, opts: opts, log: log.WithComponent("builder")}, nil
}

// Run executes the build pipeline for the descriptor.
//
// The shape is: short-circuit on an already published image, then on an
// already built release; prepare all checkouts in parallel; skip
// components already published for the exact target tuple; install
// dependencies sequentially and build the rest in parallel; sign the
// whole RPM batch once; upload and publish per component; merge with
// reused builds into one release build entry and publish the descriptor;
// finally build, sign and push the release image.
func (e *Engine) Run(ctx context.Context, desc *VersionDescriptor, flags RunFlags) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, newError("run", err)
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	log := e.log.WithRun(desc.Version)
	res := &Result{Version: desc.Version, Status: StatusBuilt}
	imageRef := e.imageRef(desc.Version)

	if imageRef != "" && e.deps.Probe != nil && !flags.Force && !flags.NoUpload {
		exists, err := e.deps.Probe.Exists(ctx, imageRef)
		if err != nil {
			return nil, newError("check_image", err)
		}
		if exists {
			log.Info("release image already published, nothing to do", "ref", imageRef)
			res.Status = StatusImageExists
			res.ImageRef = imageRef
			return res, nil
		}
	}

	if !flags.Force {
		current, err := e.deps.DB.LoadRelease(ctx, desc.Version)
		switch {
		case err == nil && current.HasBuild(e.opts.Arch):
			log.Info("release already built for target", "arch", e.opts.Arch)
			res.Status = StatusReleaseExists
			res.Release = current
			return res, nil
		case err != nil && !db.IsNotFound(err):
			return nil, err
		}
	}

	infos, err := e.prepare(ctx, desc, log)
	if err != nil {
		return nil, err
	}

	existing := map[string]model.ReleaseComponentVersion{}
	toBuild := infos
	if !flags.Force {
		existing, toBuild, err = e.checkExisting(ctx, infos)
		if err != nil {
			return nil, err
		}
	}
	for _, info := range infos {
		if _, ok := existing[info.Name]; ok {
			res.Reused = append(res.Reused, info.Name)
		}
	}
	if len(toBuild) == 0 {
		log.Info("every component already published for target, merging only")
	}

	builds, err := e.build(ctx, toBuild, flags.SkipBuild, log)
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		res.Built = append(res.Built, b.info.Name)
	}
	sort.Strings(res.Built)

	if flags.NoUpload {
		log.Info("uploads disabled, stopping after sign",
			"built", res.Built, "reused", res.Reused)
		res.Status = StatusNotUploaded
		return res, nil
	}

	versions, err := e.upload(ctx, builds, log)
	if err != nil {
		return nil, err
	}
	if err := e.publishComponents(ctx, versions); err != nil {
		return nil, err
	}

	entry := model.ReleaseBuildEntry{
		Arch:       e.opts.Arch,
		BuildType:  e.opts.BuildType,
		OSVersion:  e.opts.OSVersion,
		Components: make(map[string]model.ReleaseComponentVersion, len(infos)),
	}
	for name, v := range existing {
		entry.Components[name] = v
	}
	for _, v := range versions {
		entry.Components[v.Name] = v
	}
	rel := model.NewReleaseDesc(desc.Version)
	rel.MergeBuild(entry)
	merged, err := e.deps.DB.PublishRelease(ctx, rel)
	if err != nil {
		return nil, err
	}
	res.Release = merged

	if imageRef != "" && e.deps.Image != nil {
		if err := e.deps.Image.BuildAndPush(ctx, merged, imageRef); err != nil {
			return nil, newError("build_image", err)
		}
		if err := e.deps.Signer.SignImage(ctx, imageRef); err != nil {
			return nil, err
		}
		res.ImageRef = imageRef
		log.Info("release image published", "ref", imageRef)
	}

	log.Info("build run complete", "built", res.Built, "reused", res.Reused)
	return res, nil
}

// imageRef returns the canonical image URI for a release version, or ""
// when no registry repository is configured.
func (e *Engine) imageRef(version string) string {
	if e.opts.ImageRepo == "" {
		return ""
	}
	return e.opts.ImageRepo + ":v" + version
}

// checkExisting partitions prepared components into those with a
// published build matching the full target tuple and those still to
// build. A published build for another arch, build type or OS version
// does not count.
func (e *Engine) checkExisting(ctx context.Context, infos []*model.BuildComponentInfo) (map[string]model.ReleaseComponentVersion, []*model.BuildComponentInfo, error) {
	found := make([]*model.ReleaseComponentVersion, len(infos))
	err := fanOut("check_existing", infos,
		func(info *model.BuildComponentInfo) string { return info.Name },
		func(i int, info *model.BuildComponentInfo) error {
			comp, err := e.deps.DB.LoadComponent(ctx, info.Name, info.LongVersion)
			if db.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = comp.FindBuild(e.opts.Arch, e.opts.BuildType, e.opts.OSVersion)
			return nil
		})
	if err != nil {
		return nil, nil, err
	}

	existing := make(map[string]model.ReleaseComponentVersion)
	var toBuild []*model.BuildComponentInfo
	for i, info := range infos {
		if found[i] != nil {
			existing[info.Name] = *found[i]
		} else {
			toBuild = append(toBuild, info)
		}
	}
	return existing, toBuild, nil
}

// publishComponents records every built instance in the component
// database, one publish per component so a failure names its owner.
func (e *Engine) publishComponents(ctx context.Context, versions []model.ReleaseComponentVersion) error {
	return fanOut("publish_components", versions,
		func(v model.ReleaseComponentVersion) string { return v.Name },
		func(i int, v model.ReleaseComponentVersion) error {
			c := &model.ReleaseComponent{Name: v.Name, Versions: []model.ReleaseComponentVersion{v}}
			_, err := e.deps.DB.PublishComponent(ctx, c, v.Version)
			return err
		})
}

// fanOut runs fn once per item concurrently and collects every failure
// into one GroupError, so one broken component never hides another.
func fanOut[T any](op string, items []T, name func(T) string, fn func(int, T) error) error {
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(i, item)
		}()
	}
	wg.Wait()

	var failures []*ComponentError
	for i, err := range errs {
		if err != nil {
			failures = append(failures, &ComponentError{Component: name(items[i]), Err: err})
		}
	}
	if len(failures) > 0 {
		return &GroupError{Op: op, Errs: failures}
	}
	return nil
}
