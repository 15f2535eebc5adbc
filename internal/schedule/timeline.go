package schedule

import (
	"errors"
	"fmt"
	"sort"
)

// ErrEmptyTimeline indicates an operation that requires at least one timeline entry.
var ErrEmptyTimeline = errors.New("schedule: empty timeline")

// Timeline is the duplicate-free, chronological sequence of versions observed for one date.
type Timeline []RawUpdate

// Final returns the authoritative entry of the timeline.
func (timeline Timeline) Final() (RawUpdate, error) {
	if len(timeline) == 0 {
		return RawUpdate{}, ErrEmptyTimeline
	}
	return timeline[len(timeline)-1], nil
}

// CompareUpdates is the total order used for timelines: updates without a publication time
// come first, then publication time ascending, then source id ascending.
func CompareUpdates(left, right RawUpdate) int {
	switch {
	case left.PublishedAt == nil && right.PublishedAt != nil:
		return -1
	case left.PublishedAt != nil && right.PublishedAt == nil:
		return 1
	case left.PublishedAt != nil && right.PublishedAt != nil:
		if left.PublishedAt.Before(*right.PublishedAt) {
			return -1
		}
		if left.PublishedAt.After(*right.PublishedAt) {
			return 1
		}
	}
	switch {
	case left.SourceID < right.SourceID:
		return -1
	case left.SourceID > right.SourceID:
		return 1
	default:
		return 0
	}
}

// supersedes reports whether candidate should take over the slot of an entry with identical
// content. With both publication times known the strictly later one wins; otherwise the higher
// source id wins.
func supersedes(candidate, existing RawUpdate) bool {
	if candidate.PublishedAt != nil && existing.PublishedAt != nil {
		return candidate.PublishedAt.After(*existing.PublishedAt)
	}
	return candidate.SourceID > existing.SourceID
}

type timelineEntry struct {
	update     RawUpdate
	normalized string
}

// BuildTimeline merges the updates of one date from both sources into a timeline.
// Content-identical restatements collapse into one entry that carries the provenance of the
// superseding update. An empty input yields an empty timeline.
func BuildTimeline(updates []RawUpdate) (Timeline, error) {
	if len(updates) == 0 {
		return Timeline{}, nil
	}

	sorted := make([]RawUpdate, len(updates))
	copy(sorted, updates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return CompareUpdates(sorted[i], sorted[j]) < 0
	})

	entries := make([]timelineEntry, 0, len(sorted))
	for _, candidate := range sorted {
		normalized, err := Normalize(candidate.Schedule)
		if err != nil {
			return nil, fmt.Errorf("normalize %s update %d: %w", candidate.Source, candidate.SourceID, err)
		}

		matched := -1
		for index, entry := range entries {
			if entry.normalized == normalized {
				matched = index
				break
			}
		}
		if matched < 0 {
			entries = append(entries, timelineEntry{update: candidate, normalized: normalized})
			continue
		}
		if supersedes(candidate, entries[matched].update) {
			entries[matched].update = candidate
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return CompareUpdates(entries[i].update, entries[j].update) < 0
	})

	timeline := make(Timeline, 0, len(entries))
	for _, entry := range entries {
		timeline = append(timeline, entry.update)
	}
	return timeline, nil
}
