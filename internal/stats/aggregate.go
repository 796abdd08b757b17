package stats

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/request"
	"go.uber.org/zap"
)

// ErrNoRepo is returned for records without a repository identity.
var ErrNoRepo = errors.New("package has no repository")

// Aggregator merges repository metadata with release download totals.
type Aggregator struct {
	getter    request.Getter
	endpoints request.Endpoints
	stats     *cache.Memo[model.PackageStats]
	logger    *zap.Logger

	pending map[string][]func(model.PackageStats, error)
}

// NewAggregator creates an Aggregator backed by stats.
func NewAggregator(getter request.Getter, endpoints request.Endpoints, stats *cache.Memo[model.PackageStats], logger *zap.Logger) *Aggregator {
	return &Aggregator{
		getter:    getter,
		endpoints: endpoints,
		stats:     stats,
		logger:    logger,
		pending:   make(map[string][]func(model.PackageStats, error)),
	}
}

// LoadStats reports aggregate stats for repo. A metadata failure is an error;
// a release listing failure yields metadata-only stats.
func (a *Aggregator) LoadStats(repo string, done func(model.PackageStats, error)) {
	key := model.Key(repo)
	if key == "" {
		done(model.PackageStats{}, ErrNoRepo)
		return
	}
	if s, ok := a.stats.Get(repo); ok {
		done(s, nil)
		return
	}

	waiting, inFlight := a.pending[key]
	a.pending[key] = append(waiting, done)
	if inFlight {
		return
	}

	job := &aggregation{agg: a, repo: repo, key: key}
	job.fetchMeta()
}

func (a *Aggregator) finish(key string, s model.PackageStats, err error) {
	waiting := a.pending[key]
	delete(a.pending, key)
	for _, done := range waiting {
		done(s, err)
	}
}

// aggregation is one metadata-then-releases sequence.
type aggregation struct {
	agg   *Aggregator
	repo  string
	key   string
	stats model.PackageStats
}

func (j *aggregation) fetchMeta() {
	j.agg.getter.Get(j.agg.endpoints.Repo(j.repo),
		func(body []byte) {
			var meta model.RepoMeta
			if err := json.Unmarshal(body, &meta); err != nil {
				j.fail(fmt.Errorf("failed to parse repository metadata: %w", err))
				return
			}
			j.stats.Stars = meta.Stars
			j.stats.Forks = meta.Forks
			j.stats.OpenIssues = meta.OpenIssues
			j.fetchReleases()
		},
		func(err error) {
			j.fail(fmt.Errorf("failed to fetch repository metadata: %w", err))
		},
	)
}

func (j *aggregation) fetchReleases() {
	j.agg.getter.Get(j.agg.endpoints.Releases(j.repo),
		func(body []byte) {
			var releases []model.Release
			if err := json.Unmarshal(body, &releases); err != nil {
				j.agg.logger.Warn("unparseable release list", zap.String("repo", j.repo), zap.Error(err))
				j.complete()
				return
			}
			j.stats.ReleaseCount = len(releases)
			for _, rel := range releases {
				for _, asset := range rel.Assets {
					j.stats.TotalDownloads += asset.DownloadCount
				}
			}
			j.complete()
		},
		func(err error) {
			j.agg.logger.Debug("release list unavailable, keeping metadata only",
				zap.String("repo", j.repo), zap.Error(err))
			j.complete()
		},
	)
}

func (j *aggregation) complete() {
	j.agg.stats.Set(j.repo, j.stats)
	j.agg.finish(j.key, j.stats, nil)
}

func (j *aggregation) fail(err error) {
	j.agg.logger.Debug("stats unavailable", zap.String("repo", j.repo), zap.Error(err))
	j.agg.finish(j.key, model.PackageStats{}, err)
}
