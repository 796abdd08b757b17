package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/credential"
	"github.com/ippclub/modbrowser/internal/fetchtest"
	"github.com/ippclub/modbrowser/internal/loop"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/request"
	"go.uber.org/zap"
)

const api = "https://api.test"

var endpoints = request.NewEndpoints(api, "https://web.test")

func newOrchestrator(ft *fetchtest.Transport) *request.Orchestrator {
	pool := credential.FromSecrets([]string{"tok"}, 1000, time.Hour)
	return request.New(ft, pool, loop.Inline{}, zap.NewNop(), request.Options{})
}

func TestHasUpdateMemoized(t *testing.T) {
	ft := fetchtest.New()
	ft.Respond(api+"/repos/a/b/releases/latest", `{"tag_name":"v2"}`)
	checker := NewUpdateChecker(newOrchestrator(ft), endpoints, cache.NewMemo[string](), zap.NewNop())

	rec := model.PackageRecord{Repo: "a/b", InstalledVersion: "v1"}
	var answers []bool
	checker.HasUpdate(rec, func(ok bool) { answers = append(answers, ok) })
	checker.HasUpdate(model.PackageRecord{Repo: "A/B", InstalledVersion: "v2"}, func(ok bool) { answers = append(answers, ok) })

	if len(answers) != 2 || !answers[0] || answers[1] {
		t.Errorf("answers = %v, want [true false]", answers)
	}
	if n := ft.Count(api + "/repos/a/b/releases/latest"); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestHasUpdateFailureNotCached(t *testing.T) {
	ft := fetchtest.New()
	url := api + "/repos/a/b/releases/latest"
	ft.Fail(url, errors.New("timeout"))
	tags := cache.NewMemo[string]()
	checker := NewUpdateChecker(newOrchestrator(ft), endpoints, tags, zap.NewNop())

	rec := model.PackageRecord{Repo: "a/b", InstalledVersion: "v1"}
	got := true
	checker.HasUpdate(rec, func(ok bool) { got = ok })
	if got {
		t.Error("failure should answer false")
	}
	if tags.Len() != 0 {
		t.Error("failure was cached")
	}

	ft.Respond(url, `{"tag_name":"v3"}`)
	checker.HasUpdate(rec, func(ok bool) { got = ok })
	if !got {
		t.Error("retry after failure should see the new tag")
	}
	if n := ft.Count(url); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestHasUpdateEmptyTag(t *testing.T) {
	ft := fetchtest.New()
	ft.Respond(api+"/repos/a/b/releases/latest", `{"name":"untagged"}`)
	tags := cache.NewMemo[string]()
	checker := NewUpdateChecker(newOrchestrator(ft), endpoints, tags, zap.NewNop())

	got := true
	checker.HasUpdate(model.PackageRecord{Repo: "a/b"}, func(ok bool) { got = ok })
	if got {
		t.Error("empty tag is never an update")
	}
	if tag, ok := tags.Get("a/b"); !ok || tag != "" {
		t.Errorf("cached tag = %q, %v", tag, ok)
	}
}

// deferredGetter holds callbacks until flush, so two lookups overlap.
type deferredGetter struct {
	urls  []string
	calls []func()
}

func (d *deferredGetter) Get(url string, onSuccess func([]byte), onFailure func(error)) {
	d.urls = append(d.urls, url)
	d.calls = append(d.calls, func() { onSuccess([]byte(`{"tag_name":"v9"}`)) })
}

func (d *deferredGetter) flush() {
	calls := d.calls
	d.calls = nil
	for _, c := range calls {
		c()
	}
}

func TestLatestTagJoinsPending(t *testing.T) {
	g := &deferredGetter{}
	checker := NewUpdateChecker(g, endpoints, cache.NewMemo[string](), zap.NewNop())

	var tags []string
	checker.LatestTag("a/b", func(tag string, _ bool) { tags = append(tags, tag) })
	checker.LatestTag("a/b", func(tag string, _ bool) { tags = append(tags, tag) })
	if len(g.urls) != 1 {
		t.Fatalf("dispatched %d requests, want 1", len(g.urls))
	}
	g.flush()
	if len(tags) != 2 || tags[0] != "v9" || tags[1] != "v9" {
		t.Errorf("tags = %v", tags)
	}
}

func TestLoadStatsSumsDownloads(t *testing.T) {
	ft := fetchtest.New()
	ft.Respond(api+"/repos/a/b", `{"stargazers_count":7,"forks_count":2,"open_issues_count":1}`)
	ft.Respond(api+"/repos/a/b/releases?per_page=100", `[
		{"tag_name":"v2","assets":[{"name":"b.zip","download_count":10},{"name":"b.jar","download_count":5}]},
		{"tag_name":"v1","assets":[{"name":"b.zip","download_count":3}]}
	]`)
	memo := cache.NewMemo[model.PackageStats]()
	agg := NewAggregator(newOrchestrator(ft), endpoints, memo, zap.NewNop())

	var got model.PackageStats
	agg.LoadStats("a/b", func(s model.PackageStats, err error) {
		if err != nil {
			t.Fatal(err)
		}
		got = s
	})
	want := model.PackageStats{Stars: 7, Forks: 2, OpenIssues: 1, ReleaseCount: 2, TotalDownloads: 18}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	agg.LoadStats("a/b", func(model.PackageStats, error) {})
	if n := len(ft.URLs()); n != 2 {
		t.Errorf("requests = %d, want 2 (second call cached)", n)
	}
}

func TestLoadStatsPartialOnReleaseFailure(t *testing.T) {
	ft := fetchtest.New()
	ft.Respond(api+"/repos/a/b", `{"stargazers_count":7,"forks_count":2,"open_issues_count":1}`)
	agg := NewAggregator(newOrchestrator(ft), endpoints, cache.NewMemo[model.PackageStats](), zap.NewNop())

	var got model.PackageStats
	var gotErr error
	agg.LoadStats("a/b", func(s model.PackageStats, err error) { got, gotErr = s, err })
	if gotErr != nil {
		t.Fatalf("err = %v, want partial stats", gotErr)
	}
	if got.Stars != 7 || got.ReleaseCount != 0 || got.TotalDownloads != 0 {
		t.Errorf("stats = %+v", got)
	}
}

func TestLoadStatsMetadataFailure(t *testing.T) {
	ft := fetchtest.New()
	memo := cache.NewMemo[model.PackageStats]()
	agg := NewAggregator(newOrchestrator(ft), endpoints, memo, zap.NewNop())

	var gotErr error
	agg.LoadStats("a/b", func(_ model.PackageStats, err error) { gotErr = err })
	if gotErr == nil {
		t.Fatal("expected an error")
	}
	if memo.Len() != 0 {
		t.Error("failure was cached")
	}
	if n := ft.Count(api + "/repos/a/b/releases?per_page=100"); n != 0 {
		t.Error("releases fetched after metadata failure")
	}

	agg.LoadStats("", func(_ model.PackageStats, err error) { gotErr = err })
	if !errors.Is(gotErr, ErrNoRepo) {
		t.Errorf("err = %v, want ErrNoRepo", gotErr)
	}
}
