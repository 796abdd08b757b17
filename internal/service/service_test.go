package service

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ippclub/modbrowser/internal/catalog"
	"github.com/ippclub/modbrowser/internal/config"
	"github.com/ippclub/modbrowser/internal/fetchtest"
	"github.com/ippclub/modbrowser/internal/install"
	"github.com/ippclub/modbrowser/internal/mods"
	"go.uber.org/zap"
)

const indexURL = "https://raw.test/mods.json"

func newTestService(t *testing.T, ft *fetchtest.Transport, setup func(cfg *config.Config)) *Service {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(dir, "data")
	cfg.Install.Root = filepath.Join(dir, "mods")
	cfg.Install.TempDir = filepath.Join(dir, "tmp")
	cfg.Catalog.IndexURL = indexURL
	cfg.Catalog.APIBaseURL = "https://api.test"
	cfg.Catalog.RawBaseURL = "https://raw.test"
	if setup != nil {
		setup(cfg)
	}
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		t.Fatal(err)
	}

	svc, err := NewWithTransport(cfg, zap.NewNop(), ft)
	if err != nil {
		t.Fatalf("NewWithTransport: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-svc.Loop.Done()
		svc.Close()
	})
	return svc
}

func waitLoaded(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded: %v", err)
	}
}

func TestStartLoadsLocalAndRemote(t *testing.T) {
	ft := fetchtest.New()
	ft.Respond(indexURL, `[{"repo":"a/b","name":"B","stars":80}]`)
	svc := newTestService(t, ft, func(cfg *config.Config) {
		dir := filepath.Join(cfg.Install.Root, "b")
		os.MkdirAll(dir, 0755)
		os.WriteFile(filepath.Join(dir, "mod.json"), []byte(`{"name":"b","repo":"a/b","version":"1"}`), 0644)
	})
	waitLoaded(t, svc)

	var (
		state    catalog.State
		enabled  int
		verified bool
	)
	err := svc.Call(context.Background(), func() {
		state = svc.Catalog.State()
		enabled = len(svc.Catalog.Sources().Enabled)
		rec, _ := svc.Catalog.Find("a/b")
		verified = rec.Verified && rec.Installed
	})
	if err != nil {
		t.Fatal(err)
	}
	if state != catalog.Loaded || enabled != 1 || !verified {
		t.Errorf("state = %v, enabled = %d, verified+installed = %v", state, enabled, verified)
	}
}

func TestWaitLoadedAfterFailure(t *testing.T) {
	ft := fetchtest.New()
	svc := newTestService(t, ft, nil)
	waitLoaded(t, svc)

	var status string
	svc.Call(context.Background(), func() { status = svc.Catalog.Status() })
	if status != "index unavailable" {
		t.Errorf("status = %q", status)
	}
}

func TestSetEnabledPersists(t *testing.T) {
	ft := fetchtest.New()
	svc := newTestService(t, ft, func(cfg *config.Config) {
		os.MkdirAll(filepath.Join(cfg.Install.Root, "x"), 0755)
	})
	waitLoaded(t, svc)

	var err error
	svc.Call(context.Background(), func() { err = svc.SetEnabled("x", false) })
	if err != nil {
		t.Fatal(err)
	}
	if svc.Store.GetBool(mods.EnabledKey("x"), true) {
		t.Error("disabled state was not stored")
	}

	svc.Call(context.Background(), func() { err = svc.SetEnabled("missing", true) })
	if err == nil {
		t.Error("expected error for a mod that is not installed")
	}
}

func TestRefreshEveryReloads(t *testing.T) {
	ft := fetchtest.New()
	ft.Respond(indexURL, `[]`)
	svc := newTestService(t, ft, nil)
	waitLoaded(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RefreshEvery(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for ft.Count(indexURL) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("index fetched %d times, want periodic reloads", ft.Count(indexURL))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	ft := fetchtest.New()
	svc := newTestService(t, ft, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Await(ctx, svc, func(reply func(int)) {})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	v, err := Await(context.Background(), svc, func(reply func(int)) { reply(7) })
	if err != nil || v != 7 {
		t.Errorf("Await = %d, %v", v, err)
	}
}

func TestInstallWithoutManifestRepoMergesWithIndex(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("mod.json")
	w.Write([]byte(`{"name":"cool","version":"v1"}`))
	zw.Close()

	ft := fetchtest.New()
	ft.Respond(indexURL, `[{"repo":"a/cool","name":"Cool"}]`)
	ft.Respond("https://api.test/repos/a/cool/releases/latest",
		`{"tag_name":"v1","assets":[{"name":"cool.zip","browser_download_url":"https://dl.test/cool.zip"}]}`)
	ft.RespondBytes("https://dl.test/cool.zip", buf.Bytes())
	svc := newTestService(t, ft, nil)
	waitLoaded(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err, aerr := Await(ctx, svc, func(reply func(error)) {
		rec, _ := svc.Catalog.Find("a/cool")
		svc.Install(rec, func(_ install.Result, err error) { reply(err) })
	})
	if aerr != nil || err != nil {
		t.Fatalf("install: %v %v", aerr, err)
	}

	var (
		installed bool
		version   string
		localRepo string
	)
	svc.Call(ctx, func() {
		rec, _ := svc.Catalog.Find("a/cool")
		installed, version = rec.Installed, rec.InstalledVersion
		m, _ := svc.Runtime.Find("cool")
		localRepo = m.Repo
	})
	if !installed || version != "v1" || localRepo != "a/cool" {
		t.Errorf("installed = %v, version = %q, local repo = %q", installed, version, localRepo)
	}
}
