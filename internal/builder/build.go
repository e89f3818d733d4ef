package builder

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/clyso/cbs/internal/executor"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
)

// Per-component scripts, looked up under {scripts_dir}/{component}/.
// build_rpms is mandatory for anything that has to build; the other two
// are optional hooks.
const (
	scriptInstallDeps   = "install_deps"
	scriptBuildRPMs     = "build_rpms"
	scriptGetReleaseRPM = "get_release_rpm"
)

// componentBuild pairs a prepared component with its build output tree.
type componentBuild struct {
	info   *model.BuildComponentInfo
	topdir string
	rpms   []string
}

// build runs dependency installation sequentially, the RPM builds in
// parallel, then signs the whole output batch in one pass.
func (e *Engine) build(ctx context.Context, toBuild []*model.BuildComponentInfo, skipBuild bool, log *logging.Logger) ([]*componentBuild, error) {
	builds := make([]*componentBuild, len(toBuild))
	for i, info := range toBuild {
		builds[i] = &componentBuild{
			info:   info,
			topdir: filepath.Join(e.opts.Workdir, "out", info.Name, info.LongVersion),
		}
	}

	// Package managers do not tolerate concurrent invocations, so
	// dependencies install one component at a time.
	if !skipBuild {
		for _, b := range builds {
			script := e.scriptPath(b.info.Name, scriptInstallDeps)
			if script == "" {
				continue
			}
			if err := e.runScript(ctx, log, b.info.Name, script, b.info.RepoPath, e.opts.OSVersion); err != nil {
				return nil, newError(scriptInstallDeps, &ComponentError{Component: b.info.Name, Err: err})
			}
		}
	}

	err := fanOut(scriptBuildRPMs, builds,
		func(b *componentBuild) string { return b.info.Name },
		func(i int, b *componentBuild) error {
			return e.buildComponent(ctx, b, skipBuild, log)
		})
	if err != nil {
		return nil, err
	}

	var rpms []string
	for _, b := range builds {
		rpms = append(rpms, b.rpms...)
	}
	if err := e.deps.Signer.SignRPMs(ctx, rpms); err != nil {
		return nil, err
	}
	if len(rpms) > 0 {
		log.Info("rpm batch signed", "count", len(rpms))
	}
	return builds, nil
}

func (e *Engine) buildComponent(ctx context.Context, b *componentBuild, skipBuild bool, log *logging.Logger) error {
	if err := os.MkdirAll(filepath.Join(b.topdir, "RPMS", e.opts.Arch), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(b.topdir, "SRPMS"), 0o755); err != nil {
		return err
	}

	if skipBuild {
		log.Info("build skipped, output tree fabricated", "name", b.info.Name)
	} else {
		script := e.scriptPath(b.info.Name, scriptBuildRPMs)
		if script == "" {
			return ErrNoBuildScript
		}
		if err := e.runScript(ctx, log, b.info.Name, script, b.info.RepoPath, e.opts.OSVersion, b.topdir); err != nil {
			return err
		}
	}

	rpms, err := collectRPMs(b.topdir)
	if err != nil {
		return err
	}
	b.rpms = rpms
	log.Info("component built", "name", b.info.Name, "rpms", len(rpms))
	return nil
}

// scriptPath returns the path of a component's script, or "" when the
// component does not provide it.
func (e *Engine) scriptPath(component, script string) string {
	p := filepath.Join(e.opts.ScriptsDir, component, script)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// runScript executes a component script, streaming its output into the
// run log line by line while the full output stays captured for errors.
func (e *Engine) runScript(ctx context.Context, log *logging.Logger, component, script string, args ...string) error {
	scriptLog := log.WithFields(map[string]any{
		"name":   component,
		"script": filepath.Base(script),
	})
	lw := executor.NewLineWriter(func(line string) {
		scriptLog.Info(line)
	})
	defer lw.Flush()

	res, err := e.deps.Runner.Run(ctx, script, args,
		executor.WithStdoutWriter(lw), executor.WithStderrWriter(lw))
	if err != nil {
		return &ScriptError{Script: script, Args: args, Output: scriptOutput(res), Err: err}
	}
	return nil
}

// collectRPMs walks a build output tree for RPM files.
func collectRPMs(topdir string) ([]string, error) {
	var rpms []string
	err := filepath.WalkDir(topdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".rpm") {
			rpms = append(rpms, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rpms, nil
}

func scriptOutput(res *executor.Result) string {
	if res == nil {
		return ""
	}
	if out := strings.TrimSpace(res.Stderr); out != "" {
		return out
	}
	return strings.TrimSpace(res.Stdout)
}
