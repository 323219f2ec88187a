// Package differ computes the new items of a feed relative to its checkpoint.
package differ

import (
	"sort"

	"scoparia/internal/model"
)

// Result is the outcome of diffing one fetch against a checkpoint.
type Result struct {
	// Items are the new items, oldest first.
	Items []model.FeedItem
	// Next is the checkpoint referencing the newest new item, or nil when
	// there is nothing new.
	Next *model.FeedCheckpoint
	// Gap is set when the checkpoint item was missing from a non-empty fetch
	// and new items were selected by timestamp instead.
	Gap bool
}

// Diff selects the items of a newest-first fetch that are newer than cp.
// A nil checkpoint treats every fetched item as new.
func Diff(items []model.FeedItem, cp *model.FeedCheckpoint) Result {
	var res Result
	if len(items) == 0 {
		return res
	}

	var fresh []model.FeedItem
	switch {
	case cp == nil:
		fresh = append(fresh, items...)
	default:
		idx := indexOf(items, cp.LastItemID)
		if idx < 0 {
			res.Gap = true
			for _, it := range items {
				if it.PublishedAt.After(cp.LastSeenAt) {
					fresh = append(fresh, it)
				}
			}
			break
		}
		for _, it := range items[:idx] {
			if it.ItemID == cp.LastItemID || it.PublishedAt.Before(cp.LastSeenAt) {
				continue
			}
			fresh = append(fresh, it)
		}
	}

	fresh = dedupe(fresh)
	if len(fresh) == 0 {
		return res
	}

	// Feed order is newest first; flip it before the stable sort so equal
	// timestamps keep their relative feed order.
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].PublishedAt.Before(fresh[j].PublishedAt)
	})

	res.Items = fresh
	next := fresh[len(fresh)-1].Checkpoint()
	res.Next = &next
	return res
}

func indexOf(items []model.FeedItem, id string) int {
	for i, it := range items {
		if it.ItemID == id {
			return i
		}
	}
	return -1
}

// dedupe drops repeated item ids, keeping the first (newest) occurrence.
func dedupe(items []model.FeedItem) []model.FeedItem {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, ok := seen[it.ItemID]; ok {
			continue
		}
		seen[it.ItemID] = struct{}{}
		out = append(out, it)
	}
	return out
}
