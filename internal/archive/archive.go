// Package archive bundles generated files into zip archives.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Result describes a written archive
type Result struct {
	Path    string
	Added   []string
	Skipped []string
}

// Zip writes files into a new archive at output. With flat set every entry
// is stored under its base name (duplicates get a numeric prefix);
// otherwise the absolute path minus its root is kept. Files that do not
// exist are skipped and reported in the result.
func Zip(output string, files []string, flat bool) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(output)
	if err != nil {
		return nil, err
	}

	res := &Result{Path: output}
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	used := make(map[string]int)
	seen := make(map[string]bool)
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			res.Skipped = append(res.Skipped, file)
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			res.Skipped = append(res.Skipped, file)
			continue
		}

		name := entryName(abs, flat)
		if n := used[name]; n > 0 {
			used[name] = n + 1
			name = fmt.Sprintf("%d_%s", n, name)
		} else {
			used[name] = 1
		}

		if err := addFile(zw, abs, name, info); err != nil {
			zw.Close()
			f.Close()
			return nil, fmt.Errorf("adding %s: %w", file, err)
		}
		res.Added = append(res.Added, name)
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return nil, err
	}
	return res, f.Close()
}

func entryName(abs string, flat bool) string {
	if flat {
		return filepath.Base(abs)
	}
	name := filepath.ToSlash(abs)
	if vol := filepath.VolumeName(abs); vol != "" {
		name = strings.TrimPrefix(name, filepath.ToSlash(vol))
	}
	return strings.TrimPrefix(name, "/")
}

func addFile(zw *zip.Writer, path, name string, info os.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}

// GetAllFiles lists every regular file below dir, sorted
func GetAllFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// List returns the entry names of an archive
func List(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// ReadFile returns the contents of one archive entry
func ReadFile(path, name string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s: entry %q: %w", path, name, os.ErrNotExist)
}
