// Package fs implements the blob store on the local filesystem. It is the default
// home of replay documents: one file per replay plus a `.meta` JSON sidecar.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"replaycore/internal/blob/core"
)

const (
	metaSuffix = ".meta"
	tmpPrefix  = ".tmp-"
)

// Store implements core.Store using the local filesystem.
// Keys are mapped to relative file paths under the root. Data and sidecar are each
// written to a temp file and renamed into place, so readers never observe a torn
// document.
type Store struct {
	root string
	log  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger receives warnings about unreadable or stale sidecars.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// New returns a filesystem-backed blob store rooted at path, creating it if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		root = "./replays"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: root, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Driver reports core.DriverFilesystem.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the directory the store writes into.
func (s *Store) Root() string { return s.root }

// sanitizeKey ensures key doesn't escape root and forbids path traversal and absolute paths.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key contains '..'")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key")
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if strings.HasSuffix(clean, metaSuffix) || strings.HasPrefix(filepath.Base(clean), tmpPrefix) {
		return "", fmt.Errorf("invalid key %q uses a reserved name", key)
	}
	return clean, nil
}

func (s *Store) pathFor(key string) (dataPath, metaPath string, err error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(k))
	metaPath = dataPath + metaSuffix
	return
}

type metaFile struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Put streams r into key. Without opts.Overwrite an existing key fails with
// core.ErrExists; with it the document is replaced atomically and keeps its
// original creation time.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	createdAt := time.Time{}
	if _, err := os.Stat(dataPath); err == nil {
		if !opts.Overwrite {
			return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
		}
		if prev, err := readMeta(metaPath); err == nil {
			createdAt = prev.CreatedAt
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Info{}, err
	}
	h := sha256.New()
	var size int64
	err = writeAtomic(dataPath, func(w io.Writer) error {
		n, copyErr := io.Copy(io.MultiWriter(w, h), r)
		size = n
		return copyErr
	})
	if err != nil {
		return core.Info{}, err
	}
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	mf := metaFile{
		ContentType: opts.ContentType,
		Metadata:    cloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	if err := writeJSON(metaPath, mf); err != nil {
		return core.Info{}, err
	}
	return s.infoFromMeta(key, mf), nil
}

// Get opens key for reading. Missing keys wrap core.ErrNotFound. Files without a
// sidecar (dropped into the directory by hand) are served with stat-derived info.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	file, err := os.Open(dataPath) // #nosec G304 -- path sanitized by pathFor
	if errors.Is(err, fs.ErrNotExist) {
		return core.Info{}, nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	if err != nil {
		return core.Info{}, nil, err
	}
	info, err := s.describe(key, dataPath, metaPath)
	if err != nil {
		_ = file.Close()
		return core.Info{}, nil, err
	}
	return info, file, nil
}

// Head returns the stored info for key without opening the data file.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	return s.describe(key, dataPath, metaPath)
}

// Delete removes key and its sidecar. It reports false when key did not exist.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List walks the root for data files whose key has prefix. Sidecars and
// in-flight temp files are skipped.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.describe(key, path, path+metaSuffix)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignURL returns a file:// link to the data file. Local links never expire
// and only GET is supported.
func (s *Store) PresignURL(_ context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if opts.Method != "" && strings.ToUpper(opts.Method) != "GET" {
		return "", core.ErrUnsupported
	}
	if _, err := sanitizeKey(key); err != nil {
		return "", err
	}
	return s.localURL(key), nil
}

func (s *Store) localURL(key string) string {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

// describe trusts the sidecar only while it still matches the data file. A
// sidecar that is unreadable, or older than a data file replaced out of band,
// degrades to stat-derived info without user metadata.
func (s *Store) describe(key, dataPath, metaPath string) (core.Info, error) {
	st, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Info{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
		}
		return core.Info{}, err
	}
	mod := st.ModTime().UTC()
	info := core.Info{Key: key, Size: st.Size(), CreatedAt: mod, LastModified: mod, URL: s.localURL(key)}

	mf, err := readMeta(metaPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return info, nil
	case err != nil:
		s.log.Warn("ignoring unreadable sidecar", "key", key, "error", err)
		return info, nil
	case mf.Size != st.Size() || mod.After(mf.UpdatedAt):
		s.log.Warn("ignoring stale sidecar", "key", key, "sidecar_size", mf.Size, "size", st.Size())
		if !mf.CreatedAt.IsZero() {
			info.CreatedAt = mf.CreatedAt
		}
		info.ContentType = mf.ContentType
		return info, nil
	}
	return s.infoFromMeta(key, mf), nil
}

func (s *Store) infoFromMeta(key string, mf metaFile) core.Info {
	return core.Info{
		Key:          key,
		Size:         mf.Size,
		ContentType:  mf.ContentType,
		ETag:         mf.ETag,
		Metadata:     cloneMetadata(mf.Metadata),
		CreatedAt:    mf.CreatedAt,
		LastModified: mf.UpdatedAt,
		URL:          s.localURL(key),
	}
}

// --- helpers ---

// writeAtomic fills a temp file next to path and renames it over path.
func writeAtomic(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(path string, v any) error {
	b, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

func readMeta(path string) (metaFile, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- sidecar path derived from a sanitized key
	if err != nil {
		return metaFile{}, err
	}
	var mf metaFile
	if err := jsonUnmarshal(b, &mf); err != nil {
		return metaFile{}, err
	}
	return mf, nil
}

var (
	jsonMarshal   = func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
	jsonUnmarshal = func(b []byte, v any) error { return json.Unmarshal(b, v) }
)
