package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PushBundle packs the model directory at dir into a gzipped tar archive
// and writes it to the store under path. Only regular files are included;
// a model directory holds nothing else.
func PushBundle(ctx context.Context, store BundleStore, path, dir string) (err error) {
	w, err := store.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("storage: push %s: %w", path, err)
	}
	defer func() {
		if cerr := w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("storage: push %s: %w", path, cerr)
		}
	}()

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, rerr := filepath.Rel(dir, p)
		if rerr != nil {
			return rerr
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		hdr, herr := tar.FileInfoHeader(info, "")
		if herr != nil {
			return herr
		}
		hdr.Name = filepath.ToSlash(rel)
		if terr := tw.WriteHeader(hdr); terr != nil {
			return terr
		}
		f, oerr := os.Open(p)
		if oerr != nil {
			return oerr
		}
		defer f.Close()
		_, cerr := io.Copy(tw, f)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("storage: push %s: %w", path, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("storage: push %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("storage: push %s: %w", path, err)
	}
	return nil
}

// PullBundle fetches the bundle at path and unpacks it into dir, creating
// the directory if needed. Existing files are overwritten.
func PullBundle(ctx context.Context, store BundleStore, path, dir string) error {
	r, err := store.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("storage: pull %s: %w", path, err)
	}
	defer r.Close()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("storage: pull %s: %w", path, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: pull %s: %w", path, err)
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: pull %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("storage: pull %s: unsafe entry %q", path, hdr.Name)
		}
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("storage: pull %s: %w", path, err)
		}
		f, err := os.Create(full)
		if err != nil {
			return fmt.Errorf("storage: pull %s: %w", path, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("storage: pull %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("storage: pull %s: %w", path, err)
		}
	}
}
