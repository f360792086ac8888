package harbor

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TaskManifest marks the root of a job definition
const TaskManifest = "task.toml"

// Extract unpacks the zip at zipPath into dest and returns the directory
// holding the job definition
func Extract(zipPath, dest string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}

	for _, f := range zr.File {
		if err := extractFile(f, root); err != nil {
			return "", err
		}
	}
	return FindTaskDir(root)
}

func extractFile(f *zip.File, root string) error {
	target := filepath.Join(root, f.Name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes extraction dir", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", f.Name, err)
	}
	return out.Close()
}

// FindTaskDir returns the directory containing task.toml: root itself, or a
// subdirectory one or two levels down. Without a manifest it falls back to the
// first subdirectory, then to root.
func FindTaskDir(root string) (string, error) {
	if exists(filepath.Join(root, TaskManifest)) {
		return root, nil
	}

	subdirs, err := listDirs(root)
	if err != nil {
		return "", err
	}
	for _, sub := range subdirs {
		if exists(filepath.Join(sub, TaskManifest)) {
			return sub, nil
		}
		nested, err := listDirs(sub)
		if err != nil {
			return "", err
		}
		for _, n := range nested {
			if exists(filepath.Join(n, TaskManifest)) {
				return n, nil
			}
		}
	}

	if len(subdirs) > 0 {
		return subdirs[0], nil
	}
	return root, nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
