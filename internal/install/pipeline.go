// Package install downloads a mod's artifact and replaces its installation
// directory with the extracted contents.
package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ippclub/modbrowser/internal/loop"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/request"
	"github.com/ippclub/modbrowser/pkg/zip"
	"go.uber.org/zap"
)

// Step names a pipeline stage.
type Step string

const (
	StepResolve  Step = "resolve"
	StepDownload Step = "download"
	StepExtract  Step = "extract"
	StepInstall  Step = "install"
	StepFinalize Step = "finalize"
)

// ArchiveExtensions are the asset suffixes accepted as installable.
var ArchiveExtensions = []string{".zip", ".jar"}

var (
	// ErrInProgress is returned when the package is already being installed.
	ErrInProgress = errors.New("install already in progress")
	// ErrNoRepo is returned for records without a repository identity.
	ErrNoRepo = errors.New("package has no repository")
	// ErrBadName is returned when the install directory name is not a single
	// local path element.
	ErrBadName = errors.New("invalid install directory name")
)

// Error is an install failure at a given step.
type Error struct {
	Step Step
	Repo string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("install %s: %s failed: %v", e.Repo, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher is the orchestrator surface the pipeline needs.
type Fetcher interface {
	request.Getter
	request.Downloader
}

// Runtime is the host mod runtime.
type Runtime interface {
	Root() string
	Rescan() error
	MarkRestartPending()
	SetRepo(name, repo string) error
}

// History records completed installs.
type History interface {
	RecordInstall(install *model.DBInstall) error
}

// Notification is sent once per install attempt.
type Notification struct {
	Repo    string
	Name    string
	Version string
	Err     error
}

// Notifier surfaces install outcomes to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Result describes a finished install.
type Result struct {
	Repo      string `json:"repo"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	SourceURL string `json:"sourceUrl"`
	Dir       string `json:"dir"`
	Files     int    `json:"files"`
}

// Options configures a Pipeline.
type Options struct {
	Endpoints     request.Endpoints
	DefaultBranch string
	TempDir       string
}

// Pipeline runs installs. Install and every callback run on the consumer
// loop; extraction runs on a worker goroutine and posts back.
type Pipeline struct {
	fetcher  Fetcher
	exec     loop.Executor
	runtime  Runtime
	history  History
	notifier Notifier
	opts     Options
	logger   *zap.Logger

	active map[string]bool
	// worker runs blocking filesystem work. Tests replace it to run inline.
	worker func(func())
}

// New creates a Pipeline. history and notifier may be nil.
func New(fetcher Fetcher, exec loop.Executor, rt Runtime, history History, notifier Notifier, opts Options, logger *zap.Logger) *Pipeline {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "master"
	}
	return &Pipeline{
		fetcher:  fetcher,
		exec:     exec,
		runtime:  rt,
		history:  history,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		active:   make(map[string]bool),
		worker:   func(fn func()) { go fn() },
	}
}

// Active reports whether repo is being installed.
func (p *Pipeline) Active(repo string) bool {
	return p.active[model.Key(repo)]
}

// Install runs the pipeline for rec and reports the outcome to done.
func (p *Pipeline) Install(rec model.PackageRecord, done func(Result, error)) {
	key := rec.Key()
	if key == "" {
		done(Result{}, &Error{Step: StepResolve, Repo: rec.Name, Err: ErrNoRepo})
		return
	}
	if p.active[key] {
		done(Result{}, ErrInProgress)
		return
	}
	name := rec.InstallName()
	if !ValidName(name) {
		done(Result{}, &Error{Step: StepResolve, Repo: rec.Repo, Err: fmt.Errorf("%w: %q", ErrBadName, name)})
		return
	}
	p.active[key] = true

	job := &job{
		p:    p,
		rec:  rec,
		done: done,
		result: Result{
			Repo: rec.Repo,
			Name: name,
		},
	}
	p.logger.Info("install started", zap.String("repo", rec.Repo), zap.String("name", job.result.Name))
	job.resolve()
}

// job is the state of one install.
type job struct {
	p      *Pipeline
	rec    model.PackageRecord
	done   func(Result, error)
	result Result

	archive string
}

func (j *job) resolve() {
	j.p.fetcher.Get(j.p.opts.Endpoints.LatestRelease(j.rec.Repo),
		func(body []byte) {
			var rel model.Release
			if err := json.Unmarshal(body, &rel); err != nil {
				j.p.logger.Warn("unparseable latest release", zap.String("repo", j.rec.Repo), zap.Error(err))
				j.resolveSource()
				return
			}
			j.result.Version = rel.TagName
			if url := PickAsset(rel.Assets); url != "" {
				j.download(url)
				return
			}
			j.resolveSource()
		},
		func(err error) {
			j.p.logger.Debug("no release, using source archive", zap.String("repo", j.rec.Repo), zap.Error(err))
			j.resolveSource()
		},
	)
}

// resolveSource falls back to the default branch's source archive.
func (j *job) resolveSource() {
	j.p.fetcher.Get(j.p.opts.Endpoints.Repo(j.rec.Repo),
		func(body []byte) {
			branch := j.p.opts.DefaultBranch
			var meta model.RepoMeta
			if err := json.Unmarshal(body, &meta); err == nil && meta.DefaultBranch != "" {
				branch = meta.DefaultBranch
			}
			j.download(j.p.opts.Endpoints.SourceArchive(j.rec.Repo, branch))
		},
		func(error) {
			j.download(j.p.opts.Endpoints.SourceArchive(j.rec.Repo, j.p.opts.DefaultBranch))
		},
	)
}

// PickAsset returns the download URL of the first installable asset.
func PickAsset(assets []model.ReleaseAsset) string {
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		for _, ext := range ArchiveExtensions {
			if strings.HasSuffix(name, ext) && a.BrowserDownloadURL != "" {
				return a.BrowserDownloadURL
			}
		}
	}
	return ""
}

func (j *job) download(url string) {
	j.result.SourceURL = url

	if err := os.MkdirAll(j.p.opts.TempDir, 0755); err != nil {
		j.fail(StepDownload, fmt.Errorf("failed to create temp dir: %w", err))
		return
	}
	f, err := os.CreateTemp(j.p.opts.TempDir, j.result.Name+"-*.zip")
	if err != nil {
		j.fail(StepDownload, fmt.Errorf("failed to create temp file: %w", err))
		return
	}
	j.archive = f.Name()
	f.Close()

	j.p.logger.Info("downloading", zap.String("repo", j.rec.Repo), zap.String("url", url))
	j.p.fetcher.Download(url, j.archive,
		func() {
			j.extract()
		},
		func(err error) {
			j.fail(StepDownload, err)
		},
	)
}

// extract unpacks next to the install directory, then swaps it in. Both
// happen on the worker; the outcome is posted back to the loop.
func (j *job) extract() {
	if size, err := zip.GetFileSize(j.archive); err == nil {
		j.p.logger.Debug("archive downloaded", zap.String("repo", j.rec.Repo), zap.Int64("bytes", size))
	}

	root := j.p.runtime.Root()
	target := filepath.Join(root, j.result.Name)

	j.p.worker(func() {
		files, step, err := replaceDir(j.archive, root, target)
		j.p.exec.Post(func() {
			if err != nil {
				j.fail(step, err)
				return
			}
			j.result.Files = files
			j.result.Dir = target
			j.finalize()
		})
	})
}

// ValidName reports whether name can be used as a directory directly under
// the install root.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.IsLocal(name)
}

// replaceDir extracts archive into a staging directory under root, removes
// target and moves the staging directory into place. target must be a direct
// child of root.
func replaceDir(archive, root, target string) (int, Step, error) {
	if filepath.Dir(filepath.Clean(target)) != filepath.Clean(root) || !ValidName(filepath.Base(target)) {
		return 0, StepInstall, fmt.Errorf("%w: %s is not inside %s", ErrBadName, target, root)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return 0, StepInstall, fmt.Errorf("failed to create install root: %w", err)
	}
	staging, err := os.MkdirTemp(root, "."+filepath.Base(target)+"-staging-*")
	if err != nil {
		return 0, StepExtract, fmt.Errorf("failed to create staging dir: %w", err)
	}

	files, err := zip.Extract(archive, staging)
	if err != nil {
		os.RemoveAll(staging)
		return 0, StepExtract, err
	}

	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(staging)
		return 0, StepInstall, fmt.Errorf("failed to remove previous install: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return 0, StepInstall, fmt.Errorf("failed to move install into place: %w", err)
	}
	return files, "", nil
}

func (j *job) finalize() {
	j.removeArchive()

	if err := j.p.runtime.SetRepo(j.result.Name, j.rec.Repo); err != nil {
		j.p.logger.Error("failed to record repository", zap.String("repo", j.rec.Repo), zap.Error(err))
	}
	if err := j.p.runtime.Rescan(); err != nil {
		j.fail(StepFinalize, err)
		return
	}
	j.p.runtime.MarkRestartPending()

	if j.p.history != nil {
		err := j.p.history.RecordInstall(&model.DBInstall{
			Repo:        j.rec.Repo,
			Name:        j.result.Name,
			Version:     j.result.Version,
			SourceURL:   j.result.SourceURL,
			InstalledAt: time.Now(),
		})
		if err != nil {
			j.p.logger.Error("failed to record install", zap.String("repo", j.rec.Repo), zap.Error(err))
		}
	}

	j.p.logger.Info("install completed",
		zap.String("repo", j.rec.Repo),
		zap.String("version", j.result.Version),
		zap.Int("files", j.result.Files),
	)
	j.finish(nil)
}

func (j *job) fail(step Step, err error) {
	j.removeArchive()
	ierr := &Error{Step: step, Repo: j.rec.Repo, Err: err}
	j.p.logger.Error("install failed", zap.String("repo", j.rec.Repo), zap.String("step", string(step)), zap.Error(err))
	j.finish(ierr)
}

func (j *job) removeArchive() {
	if j.archive == "" {
		return
	}
	if err := os.Remove(j.archive); err != nil && !os.IsNotExist(err) {
		j.p.logger.Warn("failed to remove temp archive", zap.String("path", j.archive), zap.Error(err))
	}
	j.archive = ""
}

func (j *job) finish(err error) {
	delete(j.p.active, j.rec.Key())
	if j.p.notifier != nil {
		j.p.notifier.Notify(Notification{
			Repo:    j.rec.Repo,
			Name:    j.result.Name,
			Version: j.result.Version,
			Err:     err,
		})
	}
	if err != nil {
		j.done(Result{}, err)
		return
	}
	j.done(j.result, nil)
}
