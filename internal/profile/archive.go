package profile

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrUnsafeArchive is returned when an archive entry would escape the profile directory.
var ErrUnsafeArchive = errors.New("archive entry escapes profile directory")

// Export writes the profile's persisted browser state as a tar.gz stream.
// Sockets, symlinks and other special files (Chrome's Singleton* locks) are skipped.
func (m *Manager) Export(ctx context.Context, id string, w io.Writer) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	source := m.Paths(id).Data

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == source {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == source || !(d.IsDir() || d.Type().IsRegular()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tarWriter, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive profile %s: %w", id, err)
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// Restore replaces the profile's persisted browser state with the contents of a tar.gz stream.
// The caller must make sure the profile has no live browser.
func (m *Manager) Restore(ctx context.Context, id string, r io.Reader) error {
	if _, err := m.Ensure(ctx, id); err != nil {
		return err
	}
	target := m.Paths(id).Data

	// Extract next to the target and swap, so a broken archive leaves the old state intact.
	staging, err := os.MkdirTemp(filepath.Dir(target), "."+id+"-restore-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(ctx, r, staging); err != nil {
		return fmt.Errorf("failed to restore profile %s: %w", id, err)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to clear profile data: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("failed to install restored profile data: %w", err)
	}
	return nil
}

func extract(ctx context.Context, r io.Reader, target string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := filepath.FromSlash(header.Name)
		if filepath.IsAbs(name) || !filepath.IsLocal(name) {
			return fmt.Errorf("%w: %s", ErrUnsafeArchive, header.Name)
		}
		targetPath := filepath.Join(target, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
		}
	}
}
