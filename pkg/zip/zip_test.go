package zip

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	for name, body := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestCommonRoot(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		want  string
	}{
		{"wrapped", []string{"foo-master/", "foo-master/a/b.txt", "foo-master/c.txt"}, "foo-master"},
		{"wrapped without dir entry", []string{"foo/a.txt", "foo/b/c.txt"}, "foo"},
		{"top-level file", []string{"foo/a.txt", "mod.json"}, ""},
		{"two folders", []string{"a/x.txt", "b/y.txt"}, ""},
		{"flat", []string{"mod.json", "icon.png"}, ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CommonRoot(tt.names); got != tt.want {
				t.Errorf("CommonRoot(%v) = %q, want %q", tt.names, got, tt.want)
			}
		})
	}
}

func TestExtractStripsWrapper(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "foo.zip")
	writeArchive(t, archive, map[string]string{
		"foo-master/":        "",
		"foo-master/a/b.txt": "b",
		"foo-master/c.txt":   "c",
		"foo-master/foo.zip": "self",
	})

	dest := filepath.Join(dir, "out")
	n, err := Extract(archive, dest)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("written = %d, want 2", n)
	}
	if got := readFile(t, filepath.Join(dest, "a", "b.txt")); got != "b" {
		t.Errorf("a/b.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "c.txt")); got != "c" {
		t.Errorf("c.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "foo.zip")); !os.IsNotExist(err) {
		t.Error("entry named after the archive was extracted")
	}
	if _, err := os.Stat(filepath.Join(dest, "foo-master")); !os.IsNotExist(err) {
		t.Error("wrapper folder was not stripped")
	}
}

func TestExtractKeepsFlatLayout(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "scripts"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(src, "mod.json"), []byte(`{"name":"x"}`), 0644)
	os.WriteFile(filepath.Join(src, "scripts", "main.js"), []byte("print()"), 0644)
	os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0644)

	archive := filepath.Join(dir, "x.zip")
	if err := CreateZip(src, archive); err != nil {
		t.Fatal(err)
	}
	if size, err := GetFileSize(archive); err != nil || size == 0 {
		t.Fatalf("GetFileSize = %d, %v", size, err)
	}

	dest := filepath.Join(dir, "out")
	if _, err := Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(dest, "scripts", "main.js")); got != "print()" {
		t.Errorf("scripts/main.js = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "mod.json")); err != nil {
		t.Errorf("mod.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Error("excluded path was archived")
	}
}

func TestExtractContainsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeArchive(t, archive, map[string]string{
		"../escape.txt": "x",
		"ok.txt":        "y",
	})

	dest := filepath.Join(dir, "out")
	if _, err := Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Error("entry escaped the target directory")
	}
	if got := readFile(t, filepath.Join(dest, "escape.txt")); got != "x" {
		t.Errorf("escape.txt = %q", got)
	}
}

func TestExtractMissingArchive(t *testing.T) {
	if _, err := Extract(filepath.Join(t.TempDir(), "none.zip"), t.TempDir()); err == nil {
		t.Error("expected an error")
	}
}
