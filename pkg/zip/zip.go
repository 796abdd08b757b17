package zip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ExcludePaths contains paths that should be excluded from the zip file
var ExcludePaths = []string{
	".git",
	".github",
}

// ErrUnsafePath is returned for entries that would land outside the target.
var ErrUnsafePath = errors.New("archive entry escapes target directory")

// CreateZip creates a zip file from a directory, excluding specified paths
func CreateZip(sourceDir, targetFile string) error {
	zipFile, err := os.Create(targetFile)
	if err != nil {
		return fmt.Errorf("failed to create zip file: %w", err)
	}
	defer zipFile.Close()

	writer := zip.NewWriter(zipFile)
	defer writer.Close()

	return filepath.Walk(sourceDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if shouldExclude(relPath) {
			return nil
		}

		file, err := writer.Create(relPath)
		if err != nil {
			return fmt.Errorf("failed to create file in zip: %w", err)
		}

		sourceFile, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open source file: %w", err)
		}
		defer sourceFile.Close()

		if _, err := io.Copy(file, sourceFile); err != nil {
			return fmt.Errorf("failed to copy file contents: %w", err)
		}
		return nil
	})
}

// shouldExclude checks if a path should be excluded from the zip file
func shouldExclude(p string) bool {
	for _, exclude := range ExcludePaths {
		if p == exclude || strings.HasPrefix(p, exclude+"/") {
			return true
		}
	}
	return false
}

// GetFileSize returns the size of a file
func GetFileSize(filePath string) (int64, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}
	return info.Size(), nil
}

// CommonRoot returns the single top-level directory that wraps every entry,
// or "" when there are top-level files or several top-level folders.
func CommonRoot(names []string) string {
	root := ""
	for _, name := range names {
		isDir := strings.HasSuffix(name, "/")
		clean := strings.TrimPrefix(path.Clean("/"+name), "/")
		if clean == "" {
			continue
		}
		first, _, nested := strings.Cut(clean, "/")
		if !nested && !isDir {
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	return root
}

// Extract unpacks archivePath into dest, stripping the common wrapping folder
// if there is one. Entries whose base name equals the archive's own file name
// are skipped. It returns the number of files written.
func Extract(archivePath, dest string) (int, error) {
	// Non-local names are sanitized below, so ErrInsecurePath is not fatal.
	reader, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	root := CommonRoot(names)
	self := filepath.Base(archivePath)

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	written := 0
	for _, f := range reader.File {
		rel := strings.TrimPrefix(path.Clean("/"+f.Name), "/")
		if root != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(rel, root), "/")
		}
		if rel == "" || path.Base(rel) == self {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !within(dest, target) {
			return written, fmt.Errorf("%s: %w", f.Name, ErrUnsafePath)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return written, err
		}
		written++
	}

	return written, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return out.Close()
}

func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
