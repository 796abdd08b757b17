// Package mods is the filesystem mod runtime: every directory under the
// install root is one installed mod.
package mods

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/go-git/go-git/v5"
	gitpkg "github.com/ippclub/modbrowser/pkg/git"
	"go.uber.org/zap"
)

// IconFile is the icon a mod may ship at its root.
const IconFile = "icon.png"

// Settings persists per-mod enabled state and install identity.
type Settings interface {
	Get(key string) (string, bool, error)
	GetBool(key string, def bool) bool
	Put(key, value string)
	Save() error
}

// Mod is one installed mod.
type Mod struct {
	Name         string
	Dir          string
	Manifest     Manifest
	ManifestFile string
	Repo         string
	Version      string
	Enabled      bool
	Icon         image.Image
}

// Runtime scans the install root and tracks enabled state.
type Runtime struct {
	root     string
	settings Settings
	logger   *zap.Logger

	mu             sync.RWMutex
	mods           []Mod
	restartPending bool
}

// New creates a Runtime over root. Call Rescan to populate it.
func New(root string, settings Settings, logger *zap.Logger) *Runtime {
	return &Runtime{
		root:     root,
		settings: settings,
		logger:   logger,
	}
}

// EnabledKey is the settings key holding a mod's enabled flag.
func EnabledKey(name string) string {
	return "package." + name + ".enabled"
}

// RepoKey is the settings key holding the repository a mod was installed
// from.
func RepoKey(name string) string {
	return "package." + name + ".repo"
}

// Root returns the install root.
func (r *Runtime) Root() string { return r.root }

// Rescan reloads every mod under the install root. Hidden directories are
// ignored.
func (r *Runtime) Rescan() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.setMods(nil)
			return nil
		}
		return fmt.Errorf("failed to read install root: %w", err)
	}

	mods := make([]Mod, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		mods = append(mods, r.load(e.Name()))
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })

	r.setMods(mods)
	r.logger.Debug("install root scanned", zap.String("root", r.root), zap.Int("mods", len(mods)))
	return nil
}

func (r *Runtime) setMods(mods []Mod) {
	r.mu.Lock()
	r.mods = mods
	r.mu.Unlock()
}

func (r *Runtime) load(name string) Mod {
	dir := filepath.Join(r.root, name)
	m := Mod{
		Name:    name,
		Dir:     dir,
		Enabled: r.settings.GetBool(EnabledKey(name), true),
	}

	if path := FindManifest(dir); path != "" {
		m.ManifestFile = filepath.Base(path)
		manifest, err := ReadManifest(path)
		if err != nil {
			r.logger.Warn("unreadable manifest", zap.String("mod", name), zap.Error(err))
		} else {
			m.Manifest = *manifest
		}
	}
	m.Repo = m.Manifest.Repo
	m.Version = m.Manifest.Version
	if m.Repo == "" {
		if repo, ok, err := r.settings.Get(RepoKey(name)); err == nil && ok {
			m.Repo = repo
		}
	}

	if m.Repo == "" || m.Version == "" {
		r.fromCheckout(&m)
	}

	if img, err := imaging.Open(filepath.Join(dir, IconFile)); err == nil {
		m.Icon = img
	} else if !errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("unreadable icon", zap.String("mod", name), zap.Error(err))
	}

	return m
}

// fromCheckout fills identity and version from a git working copy.
func (r *Runtime) fromCheckout(m *Mod) {
	c, err := gitpkg.Open(m.Dir, r.logger)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			r.logger.Debug("failed to open checkout", zap.String("mod", m.Name), zap.Error(err))
		}
		return
	}

	if m.Repo == "" {
		if repo, err := c.Origin(); err == nil {
			m.Repo = repo
		}
	}
	if m.Version == "" {
		if _, tag, err := c.Head(); err == nil {
			m.Version = tag
		}
	}
}

// Mods returns a copy of the scanned mods.
func (r *Runtime) Mods() []Mod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Mod(nil), r.mods...)
}

// Find returns the mod installed under name.
func (r *Runtime) Find(name string) (Mod, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mods {
		if m.Name == name {
			return m, true
		}
	}
	return Mod{}, false
}

// SetEnabled persists the enabled flag for name. The change takes effect on
// the next game start.
func (r *Runtime) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	found := false
	for i := range r.mods {
		if r.mods[i].Name == name {
			r.mods[i].Enabled = enabled
			found = true
		}
	}
	if found {
		r.restartPending = true
	}
	r.mu.Unlock()

	if !found {
		return fmt.Errorf("mod %q is not installed", name)
	}

	r.settings.Put(EnabledKey(name), strconv.FormatBool(enabled))
	return r.settings.Save()
}

// SetRepo records the repository name was installed from. Archives rarely
// carry their own identity, so Rescan falls back to this value.
func (r *Runtime) SetRepo(name, repo string) error {
	r.settings.Put(RepoKey(name), repo)
	return r.settings.Save()
}

// MarkRestartPending records that installed content changed.
func (r *Runtime) MarkRestartPending() {
	r.mu.Lock()
	r.restartPending = true
	r.mu.Unlock()
}

// RestartPending reports whether a restart is needed to apply changes.
func (r *Runtime) RestartPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.restartPending
}
