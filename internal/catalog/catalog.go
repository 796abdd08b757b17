// Package catalog reconciles the published mod index with the installed mods
// and owns the session caches. Everything here runs on the consumer loop.
package catalog

import (
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/icon"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/mods"
	"github.com/ippclub/modbrowser/internal/request"
	"github.com/ippclub/modbrowser/internal/store"
	"github.com/ippclub/modbrowser/internal/view"
	"go.uber.org/zap"
)

// State is the remote list's load state.
type State int

const (
	NotLoaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Runtime lists installed mods.
type Runtime interface {
	Mods() []mods.Mod
	Rescan() error
}

// Settings supplies runtime tunables.
type Settings interface {
	GetInt(key string, def int) int
}

// Options configures a Synchronizer.
type Options struct {
	IndexURL      string
	Endpoints     request.Endpoints
	VerifiedStars int
}

type localRecord struct {
	rec  model.PackageRecord
	icon image.Image
}

// Synchronizer is the catalog state machine.
type Synchronizer struct {
	getter     request.Getter
	icons      *icon.Fetcher
	classifier *Classifier
	runtime    Runtime
	settings   Settings
	caches     *cache.Set
	opts       Options
	logger     *zap.Logger

	state    State
	status   string
	gen      int
	remote   []model.PackageRecord
	local    []localRecord
	onChange func()
}

// New creates a Synchronizer. caches is shared with the stats and icon
// components.
func New(getter request.Getter, icons *icon.Fetcher, rt Runtime, settings Settings, caches *cache.Set, opts Options, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		getter:     getter,
		icons:      icons,
		classifier: NewClassifier(getter, opts.Endpoints, caches.ProbeGuard, logger),
		runtime:    rt,
		settings:   settings,
		caches:     caches,
		opts:       opts,
		logger:     logger,
		status:     "not loaded",
	}
}

// OnChange registers fn to run whenever the view inputs change.
func (s *Synchronizer) OnChange(fn func()) {
	s.onChange = fn
}

func (s *Synchronizer) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// State returns the remote load state.
func (s *Synchronizer) State() State { return s.state }

// Status is a short human readable description of the last load.
func (s *Synchronizer) Status() string { return s.status }

// Caches returns the caches owned by the catalog.
func (s *Synchronizer) Caches() *cache.Set { return s.caches }

// LoadRemote fetches the index unless it is loaded or loading. A loaded
// catalog only re-derives the view.
func (s *Synchronizer) LoadRemote() {
	switch s.state {
	case Loaded:
		s.changed()
		return
	case Loading:
		return
	}

	s.state = Loading
	s.status = "loading"
	s.gen++
	gen := s.gen
	s.logger.Info("loading remote index", zap.String("url", s.opts.IndexURL))

	// Completions from a load that a Reload superseded are dropped.
	s.getter.Get(s.opts.IndexURL,
		func(body []byte) {
			if s.stale(gen) {
				return
			}
			s.onIndex(body)
		},
		func(err error) {
			if s.stale(gen) {
				return
			}
			s.onIndexFailure(err)
		},
	)
}

func (s *Synchronizer) stale(gen int) bool {
	if gen == s.gen {
		return false
	}
	s.logger.Debug("dropping superseded index response", zap.Int("generation", gen), zap.Int("current", s.gen))
	return true
}

func (s *Synchronizer) onIndex(body []byte) {
	records, err := ParseIndex(body, s.threshold())
	if err != nil {
		s.logger.Warn("failed to parse remote index", zap.Error(err))
		s.failLoad("index unreadable")
		return
	}

	s.remote = records
	s.state = Loaded
	s.status = fmt.Sprintf("%d packages", len(records))
	s.logger.Info("remote index loaded", zap.Int("packages", len(records)))

	s.Overlay()
	for _, rec := range records {
		s.fetchExtras(rec.Repo)
	}
	s.changed()
}

func (s *Synchronizer) onIndexFailure(err error) {
	s.logger.Warn("failed to fetch remote index", zap.Error(err))
	s.failLoad("index unavailable")
}

func (s *Synchronizer) failLoad(status string) {
	s.state = NotLoaded
	s.status = status
	s.remote = nil
	s.changed()
}

// fetchExtras starts best-effort icon and capability fetches for repo.
func (s *Synchronizer) fetchExtras(repo string) {
	if s.icons != nil {
		s.icons.Fill(repo, s.caches.Icons, s.caches.IconGuard, s.changed)
	}
	s.classifier.Probe(repo, func(c model.Capabilities) {
		s.applyCapabilities(repo, c)
	})
}

func (s *Synchronizer) applyCapabilities(repo string, c model.Capabilities) {
	for i := range s.remote {
		if model.SameRepo(s.remote[i].Repo, repo) {
			s.remote[i].Capabilities = c
		}
	}
	s.changed()
}

func (s *Synchronizer) threshold() int {
	if s.settings == nil {
		return s.opts.VerifiedStars
	}
	return s.settings.GetInt(store.KeyVerifiedStars, s.opts.VerifiedStars)
}

// ParseIndex decodes the published index. Entries without a repository or a
// name are dropped. Capabilities hold the derived defaults until a probe
// replaces them.
func ParseIndex(body []byte, verifiedStars int) ([]model.PackageRecord, error) {
	var entries []model.IndexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}

	records := make([]model.PackageRecord, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Repo) == "" || strings.TrimSpace(e.Name) == "" {
			continue
		}
		var caps model.Capabilities
		caps.Derive()
		records = append(records, model.PackageRecord{
			Capabilities:   caps,
			Repo:           strings.TrimSpace(e.Repo),
			Name:           e.Name,
			DisplayName:    e.Name,
			Author:         e.Author,
			Description:    e.Description,
			MinGameVersion: e.MinGameVersion,
			LastUpdated:    parseTime(e.LastUpdated),
			Stars:          e.Stars,
			Verified:       e.Stars >= verifiedStars,
		})
	}
	return records, nil
}

func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// RefreshLocal reloads the installed mods from the runtime and re-runs the
// overlay when the remote list is loaded.
func (s *Synchronizer) RefreshLocal() {
	installed := s.runtime.Mods()
	local := make([]localRecord, 0, len(installed))
	for _, m := range installed {
		local = append(local, localRecord{rec: s.localRecord(m), icon: m.Icon})
	}
	s.local = local

	if s.state == Loaded {
		s.Overlay()
	} else {
		s.seedLocalIcons()
	}
	s.changed()
}

func (s *Synchronizer) localRecord(m mods.Mod) model.PackageRecord {
	name := m.Manifest.Name
	if name == "" {
		name = m.Name
	}
	display := m.Manifest.DisplayName
	if display == "" {
		display = name
	}

	caps, err := ClassifyLocal(m.Dir, m.Manifest.Main)
	if err != nil {
		s.logger.Warn("failed to classify local mod", zap.String("mod", m.Name), zap.Error(err))
	}

	return model.PackageRecord{
		Repo:             m.Repo,
		Name:             name,
		DisplayName:      display,
		Author:           m.Manifest.Author,
		Description:      m.Manifest.Description,
		Version:          m.Version,
		InstalledVersion: m.Version,
		MinGameVersion:   m.Manifest.MinGameVersion,
		Capabilities:     caps,
		Installed:        true,
		Enabled:          m.Enabled,
		LocalName:        m.Name,
	}
}

func (s *Synchronizer) seedLocalIcons() {
	for _, l := range s.local {
		if l.icon != nil && l.rec.Repo != "" {
			s.caches.Icons.PutLocal(l.rec.Repo, l.icon)
		}
	}
}

// Overlay copies local install state onto the matching remote records.
// Running it again with unchanged inputs gives the same records.
func (s *Synchronizer) Overlay() {
	for i := range s.remote {
		rec := &s.remote[i]
		rec.Installed = false
		rec.Enabled = false
		rec.InstalledVersion = ""
		rec.LocalName = ""

		for _, l := range s.local {
			if !model.SameRepo(rec.Repo, l.rec.Repo) {
				continue
			}
			rec.Installed = true
			rec.Enabled = l.rec.Enabled
			rec.InstalledVersion = l.rec.InstalledVersion
			rec.LocalName = l.rec.LocalName
			if l.icon != nil {
				s.caches.Icons.PutLocal(rec.Repo, l.icon)
			}
			break
		}
	}
	s.seedLocalIcons()
}

// Reload drops every cache and guard, rescans local state and fetches the
// index again. Completions of requests sent before the reload still land in
// the caches; they are keyed, so that is harmless.
func (s *Synchronizer) Reload() {
	s.logger.Info("reloading catalog")
	s.caches.Reset()
	s.state = NotLoaded
	s.remote = nil
	if err := s.runtime.Rescan(); err != nil {
		s.logger.Warn("failed to rescan installed mods", zap.Error(err))
	}
	s.RefreshLocal()
	s.LoadRemote()
}

// Sources returns copies of the three view source lists.
func (s *Synchronizer) Sources() view.Sources {
	var src view.Sources
	for _, l := range s.local {
		if l.rec.Enabled {
			src.Enabled = append(src.Enabled, l.rec)
		} else {
			src.Disabled = append(src.Disabled, l.rec)
		}
	}
	src.Remote = append([]model.PackageRecord(nil), s.remote...)
	return src
}

// Find returns the record for repo, preferring the remote one.
func (s *Synchronizer) Find(repo string) (model.PackageRecord, bool) {
	for _, rec := range s.remote {
		if model.SameRepo(rec.Repo, repo) {
			return rec, true
		}
	}
	for _, l := range s.local {
		if model.SameRepo(l.rec.Repo, repo) {
			return l.rec, true
		}
	}
	return model.PackageRecord{}, false
}

// Icon returns the cached icon for repo.
func (s *Synchronizer) Icon(repo string) (image.Image, bool) {
	return s.caches.Icons.Get(repo)
}
