package blob

import (
	"log/slog"

	"replaycore/internal/infra/blob/fs"
)

// NewFilesystem constructs a filesystem-backed blob.Store rooted at the provided
// path. A nil logger discards sidecar warnings.
func NewFilesystem(root string, logger *slog.Logger) (Store, error) {
	store, err := fs.New(root, fs.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return store, nil
}

// FilesystemRoot reports the directory backing a filesystem store, or false for
// any other driver. The catalog watcher uses it to observe out-of-band changes.
func FilesystemRoot(s Store) (string, bool) {
	fsStore, ok := s.(*fs.Store)
	if !ok {
		return "", false
	}
	return fsStore.Root(), true
}
