package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/mods"
	"github.com/ippclub/modbrowser/internal/request"
	"go.uber.org/zap"
)

// ContentDirs are top-level folders that add or change game content.
var ContentDirs = []string{"content", "blocks", "items", "units", "liquids", "planets"}

const scriptsDir = "scripts"

// ClassifyLocal inspects an installed mod directory. main is the entry point
// declared by the manifest, if any.
func ClassifyLocal(dir, main string) (model.Capabilities, error) {
	var c model.Capabilities

	entries, err := os.ReadDir(dir)
	if err != nil {
		return c, err
	}

	for _, e := range entries {
		name := e.Name()
		lower := strings.ToLower(name)
		if e.IsDir() {
			switch {
			case lower == scriptsDir:
				c.UsesScriptRuntime = true
			case isContentDir(lower):
				c.TouchesContent = true
			}
			continue
		}

		switch {
		case isManifest(lower):
			c.DeclaresManifest = true
		case lower == "classes.dex",
			filepath.Ext(lower) == ".jar",
			filepath.Ext(lower) == ".class":
			c.UsesPrimaryRuntime = true
		}
	}

	if strings.TrimSpace(main) != "" {
		c.UsesPrimaryRuntime = true
	}

	c.Derive()
	return c, nil
}

// ClassifyListing classifies a repository from its root directory listing.
func ClassifyListing(entries []model.DirEntry) model.Capabilities {
	var c model.Capabilities

	for _, e := range entries {
		lower := strings.ToLower(e.Name)
		if e.Type == "dir" {
			switch {
			case lower == scriptsDir:
				c.UsesScriptRuntime = true
				c.UsesPrimaryRuntime = true
			case lower == "src":
				c.UsesPrimaryRuntime = true
			case isContentDir(lower):
				c.TouchesContent = true
			}
			continue
		}
		if isManifest(lower) {
			c.DeclaresManifest = true
		}
	}

	c.Derive()
	return c
}

func isContentDir(name string) bool {
	for _, d := range ContentDirs {
		if name == d {
			return true
		}
	}
	return false
}

func isManifest(name string) bool {
	for _, m := range mods.ManifestFiles {
		if name == m {
			return true
		}
	}
	return false
}

// Classifier probes remote repositories. Each identity is probed at most once
// until the guard is reset.
type Classifier struct {
	getter    request.Getter
	endpoints request.Endpoints
	guard     *cache.Guard
	logger    *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(getter request.Getter, endpoints request.Endpoints, guard *cache.Guard, logger *zap.Logger) *Classifier {
	return &Classifier{
		getter:    getter,
		endpoints: endpoints,
		guard:     guard,
		logger:    logger,
	}
}

// Probe lists repo's root and reports its capabilities. done is not called
// when the probe fails or was already dispatched.
func (c *Classifier) Probe(repo string, done func(model.Capabilities)) {
	if model.Key(repo) == "" || !c.guard.Acquire(repo) {
		return
	}

	c.getter.Get(c.endpoints.Contents(repo),
		func(body []byte) {
			var entries []model.DirEntry
			if err := json.Unmarshal(body, &entries); err != nil {
				c.logger.Debug("unparseable directory listing", zap.String("repo", repo), zap.Error(err))
				return
			}
			done(ClassifyListing(entries))
		},
		func(err error) {
			c.logger.Debug("capability probe failed", zap.String("repo", repo), zap.Error(err))
		},
	)
}
