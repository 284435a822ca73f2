package hub

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ExtractBundle copies the files below root in bundle into directory,
// keeping files that already exist with content. It returns the number of
// bytes written.
func ExtractBundle(bundle fs.FS, root, directory string, logger *zap.Logger) (int64, error) {
	sub, err := fs.Sub(bundle, root)
	if err != nil {
		return 0, fmt.Errorf("failed to open bundle: %w", err)
	}

	var total int64
	err = fs.WalkDir(sub, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dest := filepath.Join(directory, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(dest, 0750)
		}
		if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
			return nil
		}
		n, err := copyFile(sub, path, dest)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("failed to extract model bundle: %w", err)
	}
	if total > 0 {
		logger.Named("hub").Info("extracted bundled models",
			zap.String("directory", directory),
			zap.String("size", humanize.Bytes(uint64(total))))
	}
	return total, nil
}

func copyFile(fsys fs.FS, path, dest string) (int64, error) {
	src, err := fsys.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := dest + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640) // #nosec G304 - dest is below the model directory
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return n, os.Rename(tmp, dest)
}
