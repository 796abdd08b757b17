// Package stats answers per-repository questions that need the forge API:
// whether an update is available, and aggregate popularity numbers.
package stats

import (
	"encoding/json"

	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/request"
	"go.uber.org/zap"
)

// UpdateChecker compares installed versions with the latest release tag.
// Tags are memoized per identity until the cache is reset.
type UpdateChecker struct {
	getter    request.Getter
	endpoints request.Endpoints
	tags      *cache.Memo[string]
	logger    *zap.Logger

	pending map[string][]func(tag string, ok bool)
}

// NewUpdateChecker creates an UpdateChecker backed by tags.
func NewUpdateChecker(getter request.Getter, endpoints request.Endpoints, tags *cache.Memo[string], logger *zap.Logger) *UpdateChecker {
	return &UpdateChecker{
		getter:    getter,
		endpoints: endpoints,
		tags:      tags,
		logger:    logger,
		pending:   make(map[string][]func(string, bool)),
	}
}

// HasUpdate reports through done whether rec has a newer release than the
// installed version. Lookup failures answer false.
func (u *UpdateChecker) HasUpdate(rec model.PackageRecord, done func(bool)) {
	u.LatestTag(rec.Repo, func(tag string, ok bool) {
		done(ok && tag != "" && tag != rec.InstalledVersion)
	})
}

// LatestTag reports the latest release tag for repo. ok is false when the
// lookup failed; failures are not cached. Calls for a key that is already
// being fetched wait for that request.
func (u *UpdateChecker) LatestTag(repo string, done func(tag string, ok bool)) {
	if model.Key(repo) == "" {
		done("", false)
		return
	}
	if tag, ok := u.tags.Get(repo); ok {
		done(tag, true)
		return
	}

	key := model.Key(repo)
	waiting, inFlight := u.pending[key]
	u.pending[key] = append(waiting, done)
	if inFlight {
		return
	}

	u.getter.Get(u.endpoints.LatestRelease(repo),
		func(body []byte) {
			var rel model.Release
			if err := json.Unmarshal(body, &rel); err != nil {
				u.logger.Warn("unparseable release", zap.String("repo", repo), zap.Error(err))
			}
			// The raw tag is cached even when it is empty or malformed.
			u.tags.Set(repo, rel.TagName)
			u.finish(key, rel.TagName, true)
		},
		func(err error) {
			u.logger.Debug("latest release lookup failed", zap.String("repo", repo), zap.Error(err))
			u.finish(key, "", false)
		},
	)
}

func (u *UpdateChecker) finish(key, tag string, ok bool) {
	waiting := u.pending[key]
	delete(u.pending, key)
	for _, done := range waiting {
		done(tag, ok)
	}
}
