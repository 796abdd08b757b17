package install

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ippclub/modbrowser/internal/credential"
	"github.com/ippclub/modbrowser/internal/fetchtest"
	"github.com/ippclub/modbrowser/internal/loop"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/request"
	"go.uber.org/zap"
)

const (
	api = "https://api.test"
	web = "https://web.test"
)

type fakeRuntime struct {
	root    string
	rescans int
	restart bool
	repos   map[string]string
}

func (f *fakeRuntime) Root() string { return f.root }

func (f *fakeRuntime) Rescan() error {
	f.rescans++
	return nil
}

func (f *fakeRuntime) MarkRestartPending() { f.restart = true }

func (f *fakeRuntime) SetRepo(name, repo string) error {
	if f.repos == nil {
		f.repos = make(map[string]string)
	}
	f.repos[name] = repo
	return nil
}

type fakeHistory struct {
	installs []*model.DBInstall
}

func (f *fakeHistory) RecordInstall(i *model.DBInstall) error {
	f.installs = append(f.installs, i)
	return nil
}

type fixture struct {
	ft       *fetchtest.Transport
	rt       *fakeRuntime
	history  *fakeHistory
	notes    []Notification
	pipeline *Pipeline
	tempDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ft:      fetchtest.New(),
		rt:      &fakeRuntime{root: filepath.Join(t.TempDir(), "mods")},
		history: &fakeHistory{},
		tempDir: filepath.Join(t.TempDir(), "downloads"),
	}
	pool := credential.FromSecrets([]string{"tok"}, 1000, time.Hour)
	orch := request.New(f.ft, pool, loop.Inline{}, zap.NewNop(), request.Options{})
	f.pipeline = New(orch, loop.Inline{}, f.rt, f.history,
		NotifierFunc(func(n Notification) { f.notes = append(f.notes, n) }),
		Options{
			Endpoints:     request.NewEndpoints(api, web),
			DefaultBranch: "master",
			TempDir:       f.tempDir,
		}, zap.NewNop())
	f.pipeline.worker = func(fn func()) { fn() }
	return f
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(body))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (f *fixture) install(t *testing.T, rec model.PackageRecord) (Result, error) {
	t.Helper()
	var (
		res    Result
		err    error
		called bool
	)
	f.pipeline.Install(rec, func(r Result, e error) {
		res, err, called = r, e, true
	})
	if !called {
		t.Fatal("done was not called")
	}
	return res, err
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(got) != want {
		t.Errorf("%s = %q, want %q", path, got, want)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned: %d entries", len(entries))
	}
}

func TestInstallFromReleaseAsset(t *testing.T) {
	f := newFixture(t)
	f.ft.Respond(api+"/repos/a/cool/releases/latest", `{"tag_name":"v1.4","assets":[
		{"name":"README.md","browser_download_url":"https://dl.test/readme"},
		{"name":"Cool.JAR","browser_download_url":"https://dl.test/cool.jar"},
		{"name":"cool.zip","browser_download_url":"https://dl.test/cool.zip"}
	]}`)
	f.ft.RespondBytes("https://dl.test/cool.jar", zipBytes(t, map[string]string{
		"mod.json":        `{"name":"cool"}`,
		"scripts/main.js": "print()",
	}))

	res, err := f.install(t, model.PackageRecord{Repo: "a/cool", Name: "Cool"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != "v1.4" || res.SourceURL != "https://dl.test/cool.jar" || res.Files != 2 {
		t.Errorf("result = %+v", res)
	}

	dir := filepath.Join(f.rt.root, "cool")
	assertFile(t, filepath.Join(dir, "scripts", "main.js"), "print()")
	if f.rt.rescans != 1 || !f.rt.restart {
		t.Errorf("runtime rescans = %d, restart = %v", f.rt.rescans, f.rt.restart)
	}
	if len(f.history.installs) != 1 || f.history.installs[0].Version != "v1.4" {
		t.Errorf("history = %+v", f.history.installs)
	}
	if len(f.notes) != 1 || f.notes[0].Err != nil {
		t.Errorf("notifications = %+v", f.notes)
	}
	if f.rt.repos["cool"] != "a/cool" {
		t.Errorf("recorded repos = %v, want cool -> a/cool", f.rt.repos)
	}
	assertNoTempFiles(t, f.tempDir)
	if f.pipeline.Active("a/cool") {
		t.Error("install still marked active")
	}
}

func TestInstallFallsBackToSourceArchive(t *testing.T) {
	f := newFixture(t)
	f.ft.Respond(api+"/repos/a/src/releases/latest", `{"tag_name":"v2","assets":[{"name":"notes.txt","browser_download_url":"x"}]}`)
	f.ft.Respond(api+"/repos/a/src", `{"default_branch":"main"}`)
	f.ft.RespondBytes(web+"/a/src/archive/refs/heads/main.zip", zipBytes(t, map[string]string{
		"src-main/a/b.txt": "b",
		"src-main/c.txt":   "c",
	}))

	res, err := f.install(t, model.PackageRecord{Repo: "a/src", Name: "Src"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SourceURL != web+"/a/src/archive/refs/heads/main.zip" {
		t.Errorf("SourceURL = %s", res.SourceURL)
	}
	assertFile(t, filepath.Join(f.rt.root, "src", "a", "b.txt"), "b")
	assertFile(t, filepath.Join(f.rt.root, "src", "c.txt"), "c")
}

func TestInstallWithoutReleaseUsesConfiguredBranch(t *testing.T) {
	f := newFixture(t)
	f.ft.RespondBytes(web+"/a/norel/archive/refs/heads/master.zip", zipBytes(t, map[string]string{
		"norel-master/mod.json": `{}`,
	}))

	res, err := f.install(t, model.PackageRecord{Repo: "a/norel", Name: "NoRel"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != "" {
		t.Errorf("Version = %q, want empty", res.Version)
	}
	assertFile(t, filepath.Join(f.rt.root, "norel", "mod.json"), `{}`)
}

func TestInstallReplacesExistingDirectory(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.rt.root, "mod")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("old"), 0644)

	f.ft.Respond(api+"/repos/a/mod/releases/latest", `{"tag_name":"v2","assets":[{"name":"mod.zip","browser_download_url":"https://dl.test/mod.zip"}]}`)
	f.ft.RespondBytes("https://dl.test/mod.zip", zipBytes(t, map[string]string{"fresh.txt": "new"}))

	if _, err := f.install(t, model.PackageRecord{Repo: "a/mod", LocalName: "mod"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Error("stale file from previous version survived")
	}
	assertFile(t, filepath.Join(dir, "fresh.txt"), "new")
}

func TestDownloadFailureAborts(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.rt.root, "mod")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("old"), 0644)

	f.ft.Respond(api+"/repos/a/mod/releases/latest", `{"tag_name":"v2","assets":[{"name":"mod.zip","browser_download_url":"https://dl.test/mod.zip"}]}`)
	f.ft.Fail("https://dl.test/mod.zip", errors.New("timeout"))

	_, err := f.install(t, model.PackageRecord{Repo: "a/mod", Name: "mod"})
	var ierr *Error
	if !errors.As(err, &ierr) || ierr.Step != StepDownload {
		t.Fatalf("err = %v, want download step error", err)
	}
	assertFile(t, filepath.Join(dir, "keep.txt"), "old")
	if f.rt.rescans != 0 || len(f.history.installs) != 0 {
		t.Error("failed install was finalized")
	}
	if len(f.notes) != 1 || f.notes[0].Err == nil {
		t.Errorf("notifications = %+v", f.notes)
	}
	assertNoTempFiles(t, f.tempDir)
}

func TestCorruptArchiveKeepsPreviousInstall(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.rt.root, "mod")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("old"), 0644)

	f.ft.Respond(api+"/repos/a/mod/releases/latest", `{"tag_name":"v2","assets":[{"name":"mod.zip","browser_download_url":"https://dl.test/mod.zip"}]}`)
	f.ft.Respond("https://dl.test/mod.zip", "this is not a zip")

	_, err := f.install(t, model.PackageRecord{Repo: "a/mod", Name: "mod"})
	var ierr *Error
	if !errors.As(err, &ierr) || ierr.Step != StepExtract {
		t.Fatalf("err = %v, want extract step error", err)
	}
	assertFile(t, filepath.Join(dir, "keep.txt"), "old")

	entries, _ := os.ReadDir(f.rt.root)
	if len(entries) != 1 {
		t.Errorf("install root has %d entries, staging dir left behind", len(entries))
	}
}

func TestInstallRejectsConcurrentAndAnonymous(t *testing.T) {
	f := newFixture(t)
	f.ft.Respond(api+"/repos/a/mod/releases/latest", `{"tag_name":"v2","assets":[{"name":"mod.zip","browser_download_url":"https://dl.test/mod.zip"}]}`)
	f.ft.RespondBytes("https://dl.test/mod.zip", zipBytes(t, map[string]string{"x.txt": "x"}))

	var held []func()
	f.pipeline.worker = func(fn func()) { held = append(held, fn) }

	rec := model.PackageRecord{Repo: "a/mod", Name: "mod"}
	f.pipeline.Install(rec, func(Result, error) {})
	if !f.pipeline.Active("A/MOD") {
		t.Fatal("install should be active while extraction is pending")
	}

	_, err := f.install(t, rec)
	if !errors.Is(err, ErrInProgress) {
		t.Errorf("err = %v, want ErrInProgress", err)
	}

	for _, fn := range held {
		fn()
	}
	if f.pipeline.Active("a/mod") {
		t.Error("install still active after completion")
	}

	_, err = f.install(t, model.PackageRecord{Name: "local-only"})
	if !errors.Is(err, ErrNoRepo) {
		t.Errorf("err = %v, want ErrNoRepo", err)
	}
}

func TestInstallRejectsNamesOutsideRoot(t *testing.T) {
	f := newFixture(t)
	parent := filepath.Dir(f.rt.root)
	keep := filepath.Join(parent, "data", "keep.txt")
	os.MkdirAll(filepath.Dir(keep), 0755)
	os.WriteFile(keep, []byte("db"), 0644)
	installed := filepath.Join(f.rt.root, "other", "mod.json")
	os.MkdirAll(filepath.Dir(installed), 0755)
	os.WriteFile(installed, []byte("{}"), 0644)


	tests := []model.PackageRecord{
		{Repo: "x/..", Name: "evil"},
		{Repo: "x/.", Name: "evil"},
		{Repo: "x/.hidden", Name: "evil"},
		{Repo: "x/y", LocalName: "../data"},
	}
	for _, rec := range tests {
		_, err := f.install(t, rec)
		if !errors.Is(err, ErrBadName) {
			t.Errorf("install %+v: err = %v, want ErrBadName", rec, err)
		}
		if f.pipeline.Active(rec.Repo) {
			t.Errorf("install %+v left active", rec)
		}
	}
	assertFile(t, keep, "db")
	assertFile(t, installed, "{}")
	if len(f.ft.Calls()) != 0 {
		t.Errorf("rejected installs issued %d requests", len(f.ft.Calls()))
	}
}

func TestReplaceDirRequiresDirectChild(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mods")
	keep := filepath.Join(filepath.Dir(root), "keep.txt")
	os.WriteFile(keep, []byte("x"), 0644)

	for _, target := range []string{filepath.Dir(root), root, filepath.Join(root, "a", "b")} {
		if _, _, err := replaceDir("missing.zip", root, target); !errors.Is(err, ErrBadName) {
			t.Errorf("replaceDir(%s) err = %v, want ErrBadName", target, err)
		}
	}
	assertFile(t, keep, "x")
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"cool", true},
		{"cool-mod.v2", true},
		{"", false},
		{".", false},
		{"..", false},
		{".staging", false},
		{"a/b", false},
		{`a\b`, false},
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.want {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPickAsset(t *testing.T) {
	assets := []model.ReleaseAsset{
		{Name: "source.tar.gz", BrowserDownloadURL: "tgz"},
		{Name: "mod.zip", BrowserDownloadURL: "zip"},
		{Name: "mod.jar", BrowserDownloadURL: "jar"},
	}
	if got := PickAsset(assets); got != "zip" {
		t.Errorf("PickAsset = %q, want first matching asset", got)
	}
	if got := PickAsset(nil); got != "" {
		t.Errorf("PickAsset(nil) = %q", got)
	}
}
