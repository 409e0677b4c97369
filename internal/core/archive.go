package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"replaycore/internal/blob"
	"replaycore/pkg/domain"
)

const (
	// ReplayExt is the extension every replay document carries.
	ReplayExt = ".json"
	// ObjectsSuffix marks the companion object-position document of a replay.
	ObjectsSuffix = "_objects"

	metaEpisodes  = "episodes"
	metaSteps     = "steps"
	metaTimestamp = "timestamp"

	contentTypeJSON = "application/json"

	// DefaultLinkExpiry bounds download links on drivers that sign them.
	DefaultLinkExpiry = 15 * time.Minute
)

// SaveResult describes a persisted replay.
type SaveResult struct {
	Status   string                `json:"status"`
	Filename string                `json:"filename"`
	Episodes int                   `json:"episodes"`
	Steps    int                   `json:"steps"`
	Metadata domain.ReplayMetadata `json:"metadata"`
}

// Archive persists replay documents through a blob store using the codec.
type Archive struct {
	store blob.Store
	codec Codec
	now   func() time.Time
	log   *slog.Logger
}

// NewArchive wires an archive over store. A nil logger discards output.
func NewArchive(store blob.Store, codec Codec, now func() time.Time, logger *slog.Logger) *Archive {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archive{store: store, codec: codec, now: now, log: logger}
}

// Driver reports the backing blob driver.
func (a *Archive) Driver() blob.Driver { return a.store.Driver() }

// ResolveFilename maps a caller-supplied name to a replay key. An empty name
// yields replay_<unix_seconds>.json and a missing extension is appended. Names
// with path separators, traversal or the companion suffix are rejected.
func ResolveFilename(name string, now time.Time) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Sprintf("replay_%d%s", now.Unix(), ReplayExt), nil
	}
	if !strings.HasSuffix(name, ReplayExt) {
		name += ReplayExt
	}
	if err := validateReplayName(name); err != nil {
		return "", err
	}
	return name, nil
}

func validateReplayName(name string) error {
	base := strings.TrimSuffix(name, ReplayExt)
	switch {
	case base == "":
		return fmt.Errorf("%w: empty name", domain.ErrInvalidName)
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q must be a plain file name", domain.ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", domain.ErrInvalidName, name)
	case strings.HasSuffix(base, ObjectsSuffix):
		return fmt.Errorf("%w: %q uses the reserved %s suffix", domain.ErrInvalidName, name, ObjectsSuffix)
	}
	return nil
}

// lookupName normalizes a name used to address an existing replay.
func lookupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: filename required", domain.ErrInvalidName)
	}
	return ResolveFilename(name, time.Time{})
}

// ObjectsKey returns the companion key for a replay filename.
func ObjectsKey(filename string) string {
	return strings.TrimSuffix(filename, ReplayExt) + ObjectsSuffix + ReplayExt
}

// Save encodes episodes and writes them as a single blob, replacing any replay
// of the same name. Summary counts ride along as blob metadata so listings do
// not need to decode the document.
func (a *Archive) Save(ctx context.Context, episodes []domain.Episode, filename string) (SaveResult, error) {
	key, err := ResolveFilename(filename, a.now())
	if err != nil {
		return SaveResult{}, err
	}
	data, meta, err := a.codec.Encode(episodes)
	if err != nil {
		return SaveResult{}, err
	}
	if err := a.put(ctx, key, data, meta, true); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Status: "saved", Filename: key, Episodes: meta.EpisodeCount, Steps: meta.TotalSteps, Metadata: meta}, nil
}

// Import stores an externally produced replay document under filename. The
// document must decode and is stored re-encoded in canonical form, stamped with
// the import time. Without overwrite an existing replay fails with
// domain.ErrAlreadyExists.
func (a *Archive) Import(ctx context.Context, filename string, raw []byte, overwrite bool) (SaveResult, error) {
	key, err := lookupName(filename)
	if err != nil {
		return SaveResult{}, err
	}
	file, err := a.codec.Decode(raw)
	if err != nil {
		return SaveResult{}, fmt.Errorf("import %s: %w", key, err)
	}
	data, meta, err := a.codec.Encode(file.Episodes)
	if err != nil {
		return SaveResult{}, err
	}
	if err := a.put(ctx, key, data, meta, overwrite); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Status: "imported", Filename: key, Episodes: meta.EpisodeCount, Steps: meta.TotalSteps, Metadata: meta}, nil
}

func (a *Archive) put(ctx context.Context, key string, data []byte, meta domain.ReplayMetadata, overwrite bool) error {
	_, err := a.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentTypeJSON,
		Overwrite:   overwrite,
		Metadata: map[string]string{
			metaEpisodes:  strconv.Itoa(meta.EpisodeCount),
			metaSteps:     strconv.Itoa(meta.TotalSteps),
			metaTimestamp: strconv.FormatFloat(meta.Timestamp, 'f', -1, 64),
		},
	})
	if errors.Is(err, blob.ErrExists) {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, key)
	}
	if err != nil {
		return fmt.Errorf("write replay %s: %w", key, err)
	}
	return nil
}

// URL returns a download link for a stored replay. Drivers without links
// report domain.ErrUnavailable.
func (a *Archive) URL(ctx context.Context, filename string, expiry time.Duration) (string, error) {
	key, err := lookupName(filename)
	if err != nil {
		return "", err
	}
	if _, err := a.store.Head(ctx, key); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrNotFound, key)
		}
		return "", fmt.Errorf("head %s: %w", key, err)
	}
	link, err := a.store.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
	if errors.Is(err, blob.ErrUnsupported) {
		return "", fmt.Errorf("%w: %s driver has no download links", domain.ErrUnavailable, a.store.Driver())
	}
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	return link, nil
}

// Exists reports whether a replay is stored under filename.
func (a *Archive) Exists(ctx context.Context, filename string) (bool, error) {
	key, err := lookupName(filename)
	if err != nil {
		return false, err
	}
	if _, err := a.store.Head(ctx, key); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read fetches and decodes a replay. Missing files wrap domain.ErrNotFound and
// unparsable ones domain.ErrCorrupt.
func (a *Archive) Read(ctx context.Context, filename string) (domain.ReplayFile, error) {
	key, err := lookupName(filename)
	if err != nil {
		return domain.ReplayFile{}, err
	}
	data, err := a.readBlob(ctx, key)
	if err != nil {
		return domain.ReplayFile{}, err
	}
	file, err := a.codec.Decode(data)
	if err != nil {
		return domain.ReplayFile{}, fmt.Errorf("replay %s: %w", key, err)
	}
	return file, nil
}

func (a *Archive) readBlob(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a replay and its companion document.
func (a *Archive) Delete(ctx context.Context, filename string) (bool, error) {
	key, err := lookupName(filename)
	if err != nil {
		return false, err
	}
	removed, err := a.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := a.store.Delete(ctx, ObjectsKey(key)); err != nil {
		a.log.Warn("delete companion failed", "filename", key, "error", err)
	}
	return removed, nil
}

// Objects returns the companion object positions of a replay. A missing or
// unreadable companion degrades to an empty list.
func (a *Archive) Objects(ctx context.Context, filename string) (domain.ReplayObjects, error) {
	key, err := lookupName(filename)
	if err != nil {
		return domain.ReplayObjects{}, err
	}
	out := domain.ReplayObjects{Filename: key, ObjectPositions: []domain.ObjectPosition{}}
	data, err := a.readBlob(ctx, ObjectsKey(key))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.log.Warn("read companion failed", "filename", key, "error", err)
		}
		return out, nil
	}
	var doc struct {
		ObjectPositions []domain.ObjectPosition `json:"objectPositions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		a.log.Warn("companion is corrupt", "filename", key, "error", err)
		return out, nil
	}
	if doc.ObjectPositions != nil {
		out.ObjectPositions = doc.ObjectPositions
	}
	return out, nil
}

// SaveObjects writes the companion document of an existing replay.
func (a *Archive) SaveObjects(ctx context.Context, filename string, positions []domain.ObjectPosition) error {
	key, err := lookupName(filename)
	if err != nil {
		return err
	}
	ok, err := a.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if positions == nil {
		positions = []domain.ObjectPosition{}
	}
	data, err := json.Marshal(domain.ReplayObjects{Filename: key, ObjectPositions: positions})
	if err != nil {
		return fmt.Errorf("encode companion: %w", err)
	}
	if _, err := a.store.Put(ctx, ObjectsKey(key), bytes.NewReader(data), blob.PutOptions{ContentType: contentTypeJSON, Overwrite: true}); err != nil {
		return fmt.Errorf("write companion %s: %w", key, err)
	}
	return nil
}
