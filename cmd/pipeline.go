package cmd

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"time"

	"github.com/clyso/cbs/internal/builder"
	"github.com/clyso/cbs/internal/config"
	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/executor"
	"github.com/clyso/cbs/internal/fsutil"
	"github.com/clyso/cbs/internal/git"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/manifest"
	"github.com/clyso/cbs/internal/oci"
	"github.com/clyso/cbs/internal/secrets"
	"github.com/clyso/cbs/internal/secrets/providers/awssm"
	"github.com/clyso/cbs/internal/secrets/providers/memory"
	"github.com/clyso/cbs/internal/sign"
	"github.com/clyso/cbs/internal/store"
)

// remoteDBDir is the key prefix of the database tier inside the bucket,
// appended to the deployment prefix. Artifact uploads live next to it
// under their component-derived keys.
const remoteDBDir = "db"

// pipelineProvider supplies a command's pipeline. Production commands
// carry only the persistent flags and build the pipeline on first use;
// tests preset pipe with one built over in-memory backends.
type pipelineProvider struct {
	flags *rootFlags
	pipe  *pipeline
}

func (pp *pipelineProvider) pipeline() (*pipeline, error) {
	if pp.pipe != nil {
		return pp.pipe, nil
	}
	return newPipeline(pp.flags)
}

// pipeline builds and caches the collaborators commands run against.
// Construction is stepwise: loading configuration never opens a
// connection, and the store client is only dialed once a command
// actually needs the remote tier.
type pipeline struct {
	cfg *config.Config
	log *logging.Logger
	run executor.Runner

	creds  *secrets.Credentials
	client *store.Client
	db     *db.DB
}

// newPipeline loads configuration, applies the persistent flag
// overrides, and prepares logging.
func newPipeline(flags *rootFlags) (*pipeline, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, usage(err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	return &pipeline{
		cfg: cfg,
		log: logging.New(cfg.Log.Level, cfg.Log.Format),
		run: executor.NewRunner(),
	}, nil
}

// credentials builds the secrets resolver for the configured provider.
func (p *pipeline) credentials(ctx context.Context) (*secrets.Credentials, error) {
	if p.creds != nil {
		return p.creds, nil
	}

	var (
		provider secrets.Provider
		err      error
	)
	switch p.cfg.Secrets.Provider {
	case "memory":
		provider = memory.New()
	default:
		provider, err = awssm.New(ctx, awssm.WithRegion(p.cfg.Secrets.Region))
		if err != nil {
			return nil, err
		}
	}

	manager := secrets.NewManager(&secrets.Config{DefaultProvider: p.cfg.Secrets.Provider})
	if err := manager.RegisterProvider(p.cfg.Secrets.Provider, provider); err != nil {
		return nil, err
	}
	p.creds = secrets.NewCredentials(manager, p.cfg.Secrets.PathPrefix)
	return p.creds, nil
}

// storeClient dials object storage. The keypair comes from the secrets
// provider; a deployment without a stored keypair falls back to the
// ambient AWS credential chain (instance roles, environment).
func (p *pipeline) storeClient(ctx context.Context) (*store.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	if p.cfg.Store.Bucket == "" {
		return nil, usage(errors.New("store.bucket is not configured"))
	}

	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}

	opts := []store.Option{
		store.WithBucket(p.cfg.Store.Bucket),
		store.WithRegion(p.cfg.Store.Region),
		store.WithEndpoint(p.cfg.Store.Endpoint),
		store.WithForcePathStyle(p.cfg.Store.ForcePathStyle),
	}
	keypair, err := creds.S3Credentials(ctx)
	switch {
	case err == nil:
		opts = append(opts, store.WithStaticCredentials(keypair.AccessKeyID, keypair.SecretAccessKey, ""))
	case errors.Is(err, secrets.ErrSecretNotFound):
	default:
		return nil, err
	}

	client, err := store.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// database opens the two-tier DB: the writable local tier and the store
// mirror, both rooted under db.root.
func (p *pipeline) database(ctx context.Context) (*db.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	client, err := p.storeClient(ctx)
	if err != nil {
		return nil, err
	}
	local := db.NewLocal(fsutil.NewOSFS(filepath.Join(p.cfg.DB.Root, "local")), p.log)
	remote := db.NewRemote(client, path.Join(p.cfg.Store.Prefix, remoteDBDir),
		fsutil.NewOSFS(filepath.Join(p.cfg.DB.Root, "remote")), p.log)
	p.db = db.New(local, remote, p.log)
	return p.db, nil
}

// manifestEngine builds the stage engine on top of the database.
func (p *pipeline) manifestEngine(ctx context.Context) (*manifest.Engine, *db.DB, error) {
	database, err := p.database(ctx)
	if err != nil {
		return nil, nil, err
	}
	return manifest.New(database, p.log), database, nil
}

// buildEngine assembles the build orchestrator. The image phases are
// driven by the registry configuration: without a configured repository
// the probe stays nil and the run never touches a registry. Image
// construction itself is delegated to external tooling and not wired
// here, so published descriptors are the run's final output.
func (p *pipeline) buildEngine(ctx context.Context, timeout time.Duration) (*builder.Engine, error) {
	database, err := p.database(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}

	var probe builder.RegistryProbe
	imageRepo := p.imageRepo()
	if imageRepo != "" {
		opts := []oci.Option{oci.WithCredentials(creds)}
		if p.cfg.Registry.PlainHTTP {
			opts = append(opts, oci.WithPlainHTTP())
		}
		probe = oci.NewProbe(p.log, opts...)
	}

	if timeout <= 0 {
		timeout = p.cfg.Build.Timeout
	}

	deps := builder.Deps{
		DB:     database,
		Store:  &artifactStore{client: p.client, prefix: p.cfg.Store.Prefix},
		Creds:  creds,
		Signer: sign.New(p.run, creds, sign.Options{GPGName: p.cfg.Sign.GPGName, CosignKey: p.cfg.Sign.CosignKey}, p.log),
		Open:   openComponentRepo(p.run, p.log),
		Runner: p.run,
		Probe:  probe,
	}
	opts := builder.Options{
		Workdir:    p.cfg.Build.Workdir,
		PatchesDir: p.cfg.Build.PatchesDir,
		ScriptsDir: p.cfg.Build.ScriptsDir,
		OSVersion:  p.cfg.Build.OSVersion,
		Arch:       p.cfg.Build.Arch,
		BuildType:  p.cfg.Build.BuildType,
		ImageRepo:  imageRepo,
		Timeout:    timeout,
	}
	return builder.New(deps, opts, p.log)
}

// imageRepo returns the release image repository, host and path joined,
// or empty when the registry is not configured.
func (p *pipeline) imageRepo() string {
	if p.cfg.Registry.Host == "" || p.cfg.Registry.Repo == "" {
		return ""
	}
	return p.cfg.Registry.Host + "/" + p.cfg.Registry.Repo
}

// openComponentRepo adapts git.CloneOrOpen to the builder's opener
// contract.
func openComponentRepo(run executor.Runner, log *logging.Logger) builder.OpenRepo {
	return func(ctx context.Context, remoteURL, path string) (builder.ComponentRepo, error) {
		return git.CloneOrOpen(ctx, remoteURL, &git.Options{Path: path, Runner: run, Log: log})
	}
}

// artifactStore scopes artifact uploads under the deployment prefix.
// The database tier prefixes its own keys, so only the builder's
// uploads go through this adapter.
type artifactStore struct {
	client *store.Client
	prefix string
}

func (s *artifactStore) Put(ctx context.Context, key string, data []byte, contentType string, pre store.Precondition) (string, error) {
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return s.client.Put(ctx, key, data, contentType, pre)
}

// shortID renders the first 8 characters of a UUID or commit SHA for
// compact listings.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
