package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrEmptyBundle indicates the artifact area held no evidence.
	// Missing evidence is itself a failure: a run that produces nothing
	// to retain cannot be diagnosed.
	ErrEmptyBundle = errors.New("artifact bundle is empty")
)

// BundleDir packages every regular file under srcDir into a gzipped tar at
// outPath. Paths inside the archive are relative to srcDir.
func BundleDir(srcDir, outPath string) (err error) {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating bundle: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	files := 0

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, rerr := filepath.Rel(srcDir, path)
		if rerr != nil {
			return rerr
		}

		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}

		header, herr := tar.FileInfoHeader(info, "")
		if herr != nil {
			return herr
		}
		header.Name = filepath.ToSlash(rel)

		if terr := tw.WriteHeader(header); terr != nil {
			return terr
		}

		f, oerr := os.Open(path)
		if oerr != nil {
			return oerr
		}
		defer func() { _ = f.Close() }()

		if _, cerr := io.Copy(tw, f); cerr != nil {
			return cerr
		}

		files++
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("bundling %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalizing bundle: %w", err)
	}

	if files == 0 {
		return fmt.Errorf("%w: no files under %s", ErrEmptyBundle, srcDir)
	}

	return nil
}
