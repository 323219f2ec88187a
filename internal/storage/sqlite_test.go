package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scoparia/internal/model"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	got, err := s.GetCheckpoint(ctx, "https://a.wikidot.com")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil checkpoint, got %+v", got)
	}

	seen := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		cp   model.FeedCheckpoint
	}{
		{
			name: "first commit",
			cp:   model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "100", LastSeenAt: seen},
		},
		{
			name: "overwrite",
			cp:   model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "101", LastSeenAt: seen.Add(time.Minute)},
		},
		{
			name: "non-UTC time is stored as UTC",
			cp: model.FeedCheckpoint{
				FeedID:     "https://b.wikidot.com",
				LastItemID: "7",
				LastSeenAt: seen.In(time.FixedZone("CST", 8*3600)),
			},
		},
		{
			name: "sub-second precision survives",
			cp:   model.FeedCheckpoint{FeedID: "https://c.wikidot.com", LastItemID: "9", LastSeenAt: seen.Add(123456789 * time.Nanosecond)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CommitCheckpoint(ctx, tt.cp); err != nil {
				t.Fatalf("commit: %v", err)
			}
			got, err := s.GetCheckpoint(ctx, tt.cp.FeedID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			want := tt.cp
			want.LastSeenAt = want.LastSeenAt.UTC()
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("GetCheckpoint mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetCheckpointReadsWholeSecondRows(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (feed_id, last_item_id, last_seen_at, updated_at) VALUES (?, ?, ?, ?)`,
		"https://a.wikidot.com", "100", "2025-03-01T12:30:00Z", "2025-03-01T12:30:00Z")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetCheckpoint(ctx, "https://a.wikidot.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := &model.FeedCheckpoint{
		FeedID:     "https://a.wikidot.com",
		LastItemID: "100",
		LastSeenAt: time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetCheckpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seen := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	feeds := []string{"https://a.wikidot.com", "https://b.wikidot.com", "https://c.wikidot.com"}
	for i, f := range feeds {
		cp := model.FeedCheckpoint{FeedID: f, LastItemID: f + "#last", LastSeenAt: seen.Add(time.Duration(i) * time.Hour)}
		if err := s.CommitCheckpoint(ctx, cp); err != nil {
			t.Fatalf("commit %s: %v", f, err)
		}
	}

	for i, f := range feeds {
		got, err := s.GetCheckpoint(ctx, f)
		if err != nil {
			t.Fatalf("get %s: %v", f, err)
		}
		want := &model.FeedCheckpoint{FeedID: f, LastItemID: f + "#last", LastSeenAt: seen.Add(time.Duration(i) * time.Hour)}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("feed %s mismatch (-want +got):\n%s", f, diff)
		}
	}
}

func TestListAndDeleteCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, cp := range []model.FeedCheckpoint{
		{FeedID: "https://b.wikidot.com", LastItemID: "2", LastSeenAt: seen},
		{FeedID: "https://a.wikidot.com", LastItemID: "1", LastSeenAt: seen},
	} {
		if err := s.CommitCheckpoint(ctx, cp); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	deleted, err := s.DeleteCheckpoint(ctx, "https://b.wikidot.com")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("expected a row to be deleted")
	}
	deleted, err = s.DeleteCheckpoint(ctx, "https://missing.wikidot.com")
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if deleted {
		t.Error("expected nothing to be deleted")
	}

	got, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []model.FeedCheckpoint{{FeedID: "https://a.wikidot.com", LastItemID: "1", LastSeenAt: seen}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListCheckpoints() mismatch (-want +got):\n%s", diff)
	}
}
