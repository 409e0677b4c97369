package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"replaycore/internal/blob"
	"replaycore/pkg/domain"
)

// IsReplayKey reports whether a blob key names a listable replay document.
func IsReplayKey(key string) bool {
	if !strings.HasSuffix(key, ReplayExt) || strings.Contains(key, "/") {
		return false
	}
	return validateReplayName(key) == nil
}

// List enumerates stored replays newest first. Counts come from the metadata
// written at save time; replays without it are decoded, and unreadable ones are
// listed with zero counts instead of failing the listing.
func (a *Archive) List(ctx context.Context) ([]domain.CatalogEntry, error) {
	infos, err := a.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	entries := make([]domain.CatalogEntry, 0, len(infos))
	for _, info := range infos {
		if !IsReplayKey(info.Key) {
			continue
		}
		entries = append(entries, a.describe(ctx, info))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Filename > entries[j].Filename
		}
		return entries[i].Created.After(entries[j].Created)
	})
	return entries, nil
}

func (a *Archive) describe(ctx context.Context, info blob.Info) domain.CatalogEntry {
	entry := domain.CatalogEntry{Filename: info.Key, Size: info.Size, Created: info.CreatedAt}
	if entry.Created.IsZero() {
		entry.Created = info.LastModified
	}
	if eps, steps, ok := countsFromMetadata(info.Metadata); ok {
		entry.Episodes, entry.Steps = eps, steps
		return entry
	}
	// Some drivers omit user metadata from listings.
	if head, err := a.store.Head(ctx, info.Key); err == nil {
		if eps, steps, ok := countsFromMetadata(head.Metadata); ok {
			entry.Episodes, entry.Steps = eps, steps
			return entry
		}
	}
	data, err := a.readBlob(ctx, info.Key)
	if err != nil {
		a.log.Warn("catalog entry unreadable", "filename", info.Key, "error", err)
		return entry
	}
	file, err := a.codec.Decode(data)
	if err != nil {
		a.log.Warn("catalog entry corrupt", "filename", info.Key, "error", err)
		return entry
	}
	entry.Episodes = len(file.Episodes)
	entry.Steps = file.Metadata.TotalSteps
	return entry
}

func countsFromMetadata(md map[string]string) (episodes, steps int, ok bool) {
	epRaw, okEp := md[metaEpisodes]
	stRaw, okSt := md[metaSteps]
	if !okEp || !okSt {
		return 0, 0, false
	}
	episodes, err := strconv.Atoi(epRaw)
	if err != nil {
		return 0, 0, false
	}
	steps, err = strconv.Atoi(stRaw)
	if err != nil {
		return 0, 0, false
	}
	return episodes, steps, true
}
