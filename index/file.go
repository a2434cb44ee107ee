package index

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zsiec/ffindex/media"
)

// WriteFile serializes idx to path. The data goes to a temporary file in
// the same directory which is synced and renamed over path, so a failed
// write never leaves a partial cache behind.
func WriteFile(path string, idx *Index) error {
	data, err := Serialize(idx)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return media.Wrap(media.KindReadError, "write index", err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return media.Wrap(media.KindReadError, "write index", err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return media.Wrap(media.KindReadError, "write index", err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return media.Wrap(media.KindReadError, "write index", err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return media.Wrap(media.KindReadError, "write index", err, "rename to %s", path)
	}
	return nil
}

// ReadFile loads an index written by WriteFile.
func ReadFile(path string) (*Index, error) {
	data, release, err := mapFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, media.Wrap(media.KindNoSuchFile, "read index", err, "open %s", path)
		}
		return nil, media.Wrap(media.KindReadError, "read index", err, "read %s", path)
	}
	defer release()
	return Deserialize(data)
}
