package setup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// WriteArchive writes a gzipped tarball of each dir to w. Entries are named
// by the dir's base name so state and workspace stay apart. Only regular
// files and directories are archived.
func WriteArchive(w io.Writer, dirs ...string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	seen := make(map[string]bool)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if seen[abs] || nestedIn(abs, seen) {
			continue
		}
		seen[abs] = true
		if err := addDir(tw, abs); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func nestedIn(path string, roots map[string]bool) bool {
	for root := range roots {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addDir(tw *tar.Writer, root string) error {
	base := filepath.Base(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("openclaw-export-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Cache-Control", "no-store")

	h.log.Infof("[setup] Exporting %s", h.opts.StateDir)
	if err := WriteArchive(w, h.opts.StateDir, h.opts.WorkspaceDir); err != nil {
		// Headers are gone; a truncated archive is what the client gets.
		h.log.WithError(err).Error("[setup] Export failed")
	}
}
