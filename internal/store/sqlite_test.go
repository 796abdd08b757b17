package store

import (
	"testing"

	"github.com/ippclub/modbrowser/internal/model"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestSettingsPutGetSave(t *testing.T) {
	s, dir := newTestStore(t)

	if _, ok, err := s.Get(KeyPageSize); err != nil || ok {
		t.Fatalf("Get on empty store = ok:%v err:%v", ok, err)
	}

	s.Put(KeyPageSize, "12")
	if got := s.GetInt(KeyPageSize, 20); got != 12 {
		t.Errorf("GetInt before save = %d, want 12", got)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := reopened.GetInt(KeyPageSize, 20); got != 12 {
		t.Errorf("GetInt after reopen = %d, want 12", got)
	}
}

func TestGetIntMalformedFallsBack(t *testing.T) {
	s, _ := newTestStore(t)
	s.Put(KeyVerifiedStars, "many")
	if got := s.GetInt(KeyVerifiedStars, 50); got != 50 {
		t.Errorf("GetInt = %d, want fallback 50", got)
	}
	s.Put("package.x.enabled", "false")
	if s.GetBool("package.x.enabled", true) {
		t.Error("GetBool = true, want false")
	}
}

func TestRecordAndListInstalls(t *testing.T) {
	s, _ := newTestStore(t)
	for _, v := range []string{"v1", "v2"} {
		err := s.RecordInstall(&model.DBInstall{
			Repo:      "Owner/Mod",
			Name:      "mod",
			Version:   v,
			SourceURL: "https://example.com/" + v + ".zip",
		})
		if err != nil {
			t.Fatalf("RecordInstall: %v", err)
		}
	}

	installs, err := s.ListInstalls("owner/mod", 0)
	if err != nil {
		t.Fatalf("ListInstalls: %v", err)
	}
	if len(installs) != 2 {
		t.Fatalf("len = %d, want 2", len(installs))
	}
	if installs[0].Version != "v2" {
		t.Errorf("newest = %q, want v2", installs[0].Version)
	}
}
