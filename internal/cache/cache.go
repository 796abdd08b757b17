// Package cache holds the session caches owned by the catalog. None of the
// types lock; they are only touched from the consumer loop.
package cache

import (
	"image"

	"github.com/ippclub/modbrowser/internal/model"
)

// Guard is the in-flight set. Keys stay until Reset.
type Guard struct {
	keys map[string]struct{}
}

// NewGuard returns an empty Guard.
func NewGuard() *Guard {
	return &Guard{keys: make(map[string]struct{})}
}

// Acquire adds key and reports whether it was absent.
func (g *Guard) Acquire(key string) bool {
	key = model.Key(key)
	if _, ok := g.keys[key]; ok {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

// Has reports whether key was acquired.
func (g *Guard) Has(key string) bool {
	_, ok := g.keys[model.Key(key)]
	return ok
}

// Reset forgets every key.
func (g *Guard) Reset() {
	g.keys = make(map[string]struct{})
}

// Memo maps repository identities to values.
type Memo[V any] struct {
	values map[string]V
}

// NewMemo returns an empty Memo.
func NewMemo[V any]() *Memo[V] {
	return &Memo[V]{values: make(map[string]V)}
}

// Get returns the cached value for repo.
func (m *Memo[V]) Get(repo string) (V, bool) {
	v, ok := m.values[model.Key(repo)]
	return v, ok
}

// Set stores v for repo.
func (m *Memo[V]) Set(repo string, v V) {
	m.values[model.Key(repo)] = v
}

// Len returns the number of entries.
func (m *Memo[V]) Len() int { return len(m.values) }

// Reset drops every entry.
func (m *Memo[V]) Reset() {
	m.values = make(map[string]V)
}

type iconEntry struct {
	img   image.Image
	local bool
}

// Icons caches decoded icons. The first remote icon wins; a local icon always
// replaces what is there and is never replaced by a remote one.
type Icons struct {
	entries map[string]iconEntry
}

// NewIcons returns an empty icon cache.
func NewIcons() *Icons {
	return &Icons{entries: make(map[string]iconEntry)}
}

// Get returns the icon for repo.
func (c *Icons) Get(repo string) (image.Image, bool) {
	e, ok := c.entries[model.Key(repo)]
	return e.img, ok
}

// PutRemote stores a fetched icon unless one is already cached. It reports
// whether the icon was stored.
func (c *Icons) PutRemote(repo string, img image.Image) bool {
	key := model.Key(repo)
	if key == "" || img == nil {
		return false
	}
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = iconEntry{img: img}
	return true
}

// PutLocal stores an icon supplied by an installed package.
func (c *Icons) PutLocal(repo string, img image.Image) {
	key := model.Key(repo)
	if key == "" || img == nil {
		return
	}
	c.entries[key] = iconEntry{img: img, local: true}
}

// Len returns the number of cached icons.
func (c *Icons) Len() int { return len(c.entries) }

// Reset drops every icon.
func (c *Icons) Reset() {
	c.entries = make(map[string]iconEntry)
}

// Set is every cache the catalog owns, handed by reference to the components
// that read or fill them.
type Set struct {
	Icons      *Icons
	IconGuard  *Guard
	ProbeGuard *Guard
	Stats      *Memo[model.PackageStats]
	LatestTags *Memo[string]
}

// NewSet returns empty caches.
func NewSet() *Set {
	return &Set{
		Icons:      NewIcons(),
		IconGuard:  NewGuard(),
		ProbeGuard: NewGuard(),
		Stats:      NewMemo[model.PackageStats](),
		LatestTags: NewMemo[string](),
	}
}

// Reset clears every cache and guard.
func (s *Set) Reset() {
	s.Icons.Reset()
	s.IconGuard.Reset()
	s.ProbeGuard.Reset()
	s.Stats.Reset()
	s.LatestTags.Reset()
}
