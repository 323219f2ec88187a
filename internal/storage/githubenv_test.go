package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scoparia/internal/model"
)

func TestNewGitHubEnv(t *testing.T) {
	tests := []struct {
		name     string
		previous string
		feedID   string
		want     *model.FeedCheckpoint
		wantErr  bool
	}{
		{
			name:   "empty previous",
			feedID: "https://a.wikidot.com",
		},
		{
			name:     "object entry",
			previous: `{"https://a.wikidot.com": {"last_item_id": "42", "last_seen_at": "2025-03-01T12:00:00Z"}}`,
			feedID:   "https://a.wikidot.com",
			want: &model.FeedCheckpoint{
				FeedID:     "https://a.wikidot.com",
				LastItemID: "42",
				LastSeenAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			name:     "bare timestamp entry",
			previous: `{"https://a.wikidot.com": "2025-03-01T12:00:00Z"}`,
			feedID:   "https://a.wikidot.com",
			want: &model.FeedCheckpoint{
				FeedID:     "https://a.wikidot.com",
				LastSeenAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			name:     "other feed only",
			previous: `{"https://b.wikidot.com": "2025-03-01T12:00:00Z"}`,
			feedID:   "https://a.wikidot.com",
		},
		{name: "not json", previous: `2025-03-01`, wantErr: true},
		{name: "bad timestamp", previous: `{"https://a.wikidot.com": "yesterday"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewGitHubEnv(tt.previous, "")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, err := s.GetCheckpoint(context.Background(), tt.feedID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("GetCheckpoint mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGitHubEnvCommitAppendsMergedMap(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "github_env")
	if err := os.WriteFile(path, []byte("OTHER=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewGitHubEnv(`{"https://a.wikidot.com": "2025-03-01T00:00:00Z"}`, path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	seen := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	if err := s.CommitCheckpoint(ctx, model.FeedCheckpoint{FeedID: "https://b.wikidot.com", LastItemID: "9", LastSeenAt: seen}); err != nil {
		t.Fatalf("commit b: %v", err)
	}
	if err := s.CommitCheckpoint(ctx, model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "3", LastSeenAt: seen}); err != nil {
		t.Fatalf("commit a: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), lines)
	}
	if lines[0] != "OTHER=1" {
		t.Errorf("existing content changed: %q", lines[0])
	}

	last := lines[len(lines)-1]
	value, ok := strings.CutPrefix(last, GitHubEnvKey+"=")
	if !ok {
		t.Fatalf("last line %q does not set %s", last, GitHubEnvKey)
	}
	var got map[string]envCheckpoint
	if err := json.Unmarshal([]byte(value), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]envCheckpoint{
		"https://a.wikidot.com": {LastItemID: "3", LastSeenAt: "2025-03-02T08:00:00Z"},
		"https://b.wikidot.com": {LastItemID: "9", LastSeenAt: "2025-03-02T08:00:00Z"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exported map mismatch (-want +got):\n%s", diff)
	}

	// The exported value must be readable by the next run.
	next, err := NewGitHubEnv(value, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	cp, err := next.GetCheckpoint(ctx, "https://b.wikidot.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(&model.FeedCheckpoint{FeedID: "https://b.wikidot.com", LastItemID: "9", LastSeenAt: seen}, cp); diff != "" {
		t.Errorf("reloaded checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestGitHubEnvCommitFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missing-dir", "github_env")

	s, err := NewGitHubEnv(`{"https://a.wikidot.com": {"last_item_id": "1", "last_seen_at": "2025-03-01T00:00:00Z"}}`, path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.CommitCheckpoint(ctx, model.FeedCheckpoint{FeedID: "https://a.wikidot.com", LastItemID: "2", LastSeenAt: time.Now()})
	if err == nil {
		t.Fatal("expected error writing to missing directory")
	}

	got, err := s.GetCheckpoint(ctx, "https://a.wikidot.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.LastItemID != "1" {
		t.Errorf("checkpoint advanced despite failed commit: %+v", got)
	}
}
