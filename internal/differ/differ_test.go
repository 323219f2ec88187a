package differ

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scoparia/internal/model"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func item(id string, minute int) model.FeedItem {
	return model.FeedItem{
		ItemID:      id,
		FeedID:      "https://a.wikidot.com",
		PublishedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(items []model.FeedItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.ItemID)
	}
	return out
}

func TestDiff(t *testing.T) {
	// Newest first, as the platform serves them.
	feed := []model.FeedItem{item("104", 4), item("103", 3), item("102", 2), item("101", 1), item("100", 0)}

	tests := []struct {
		name     string
		items    []model.FeedItem
		cp       *model.FeedCheckpoint
		wantIDs  []string
		wantNext *model.FeedCheckpoint
		wantGap  bool
	}{
		{
			name:     "no checkpoint takes everything oldest first",
			items:    feed,
			wantIDs:  []string{"100", "101", "102", "103", "104"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "104", LastSeenAt: base.Add(4 * time.Minute)},
		},
		{
			name:     "checkpoint in the middle",
			items:    feed,
			cp:       &model.FeedCheckpoint{LastItemID: "102", LastSeenAt: base.Add(2 * time.Minute)},
			wantIDs:  []string{"103", "104"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "104", LastSeenAt: base.Add(4 * time.Minute)},
		},
		{
			name:  "checkpoint at newest item yields nothing",
			items: feed,
			cp:    &model.FeedCheckpoint{LastItemID: "104", LastSeenAt: base.Add(4 * time.Minute)},
		},
		{
			name:     "checkpoint pruned from feed falls back to timestamp",
			items:    feed[:3],
			cp:       &model.FeedCheckpoint{LastItemID: "099", LastSeenAt: base.Add(2 * time.Minute)},
			wantIDs:  []string{"103", "104"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "104", LastSeenAt: base.Add(4 * time.Minute)},
			wantGap:  true,
		},
		{
			name:    "gap with nothing newer still reports gap",
			items:   feed[3:],
			cp:      &model.FeedCheckpoint{LastItemID: "999", LastSeenAt: base.Add(10 * time.Minute)},
			wantGap: true,
		},
		{
			name:  "empty fetch is not a gap",
			items: nil,
			cp:    &model.FeedCheckpoint{LastItemID: "104", LastSeenAt: base.Add(4 * time.Minute)},
		},
		{
			name: "non monotonic feed is sorted by time",
			items: []model.FeedItem{
				item("202", 5), item("203", 3), item("201", 4), item("200", 0),
			},
			cp:       &model.FeedCheckpoint{LastItemID: "200", LastSeenAt: base},
			wantIDs:  []string{"203", "201", "202"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "202", LastSeenAt: base.Add(5 * time.Minute)},
		},
		{
			name: "item ahead of checkpoint but older than it is dropped",
			items: []model.FeedItem{
				item("301", 6), item("299", 1), item("300", 5),
			},
			cp:       &model.FeedCheckpoint{LastItemID: "300", LastSeenAt: base.Add(5 * time.Minute)},
			wantIDs:  []string{"301"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "301", LastSeenAt: base.Add(6 * time.Minute)},
		},
		{
			name: "equal timestamps keep feed order reversed",
			items: []model.FeedItem{
				item("b", 1), item("a", 1),
			},
			wantIDs:  []string{"a", "b"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "b", LastSeenAt: base.Add(time.Minute)},
		},
		{
			name: "duplicate ids collapse",
			items: []model.FeedItem{
				item("5", 2), item("5", 2), item("4", 1),
			},
			wantIDs:  []string{"4", "5"},
			wantNext: &model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "5", LastSeenAt: base.Add(2 * time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.items, tt.cp)
			if diff := cmp.Diff(tt.wantIDs, ids(got.Items)); diff != "" {
				t.Errorf("items mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantNext, got.Next); diff != "" {
				t.Errorf("next checkpoint mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantGap, got.Gap); diff != "" {
				t.Errorf("gap mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffDoesNotMutateInput(t *testing.T) {
	feed := []model.FeedItem{item("3", 3), item("2", 2), item("1", 1)}
	_ = Diff(feed, nil)
	if diff := cmp.Diff([]string{"3", "2", "1"}, ids(feed)); diff != "" {
		t.Errorf("input reordered (-want +got):\n%s", diff)
	}
}

func TestDiffNeverReturnsCheckpointedItems(t *testing.T) {
	feed := []model.FeedItem{item("104", 4), item("103", 3), item("102", 2), item("101", 1), item("100", 0)}
	for _, it := range feed {
		cp := it.Checkpoint()
		got := Diff(feed, &cp)
		for _, n := range got.Items {
			if !n.PublishedAt.After(cp.LastSeenAt) {
				t.Errorf("checkpoint %s: item %s at or before checkpoint was returned", cp.LastItemID, n.ItemID)
			}
		}
	}
}
