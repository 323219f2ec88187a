package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"scoparia/internal/model"
)

// GitHubEnvKey is the environment variable that carries checkpoints
// between workflow runs.
const GitHubEnvKey = "LAST_RSS_CHECK"

type envCheckpoint struct {
	LastItemID string `json:"last_item_id"`
	LastSeenAt string `json:"last_seen_at"`
}

// GitHubEnv implements Storage on top of a CI environment file. Checkpoints
// are read once from the previous run's LAST_RSS_CHECK value and every commit
// appends the merged map to the file at path, which the CI runner exports to
// the next job.
type GitHubEnv struct {
	mu    sync.Mutex
	path  string
	state map[string]envCheckpoint
}

// NewGitHubEnv parses the previous LAST_RSS_CHECK value. Entries may be
// objects with last_item_id and last_seen_at, or bare timestamps written by
// older runs. An empty path keeps commits in memory only.
func NewGitHubEnv(previous, path string) (*GitHubEnv, error) {
	s := &GitHubEnv{path: path, state: map[string]envCheckpoint{}}
	if previous == "" {
		return s, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(previous), &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", GitHubEnvKey, err)
	}
	for feedID, v := range raw {
		var cp envCheckpoint
		if err := json.Unmarshal(v, &cp); err != nil {
			var ts string
			if err := json.Unmarshal(v, &ts); err != nil {
				return nil, fmt.Errorf("decode %s entry %q: %w", GitHubEnvKey, feedID, err)
			}
			cp.LastSeenAt = ts
		}
		if _, err := time.Parse(time.RFC3339, cp.LastSeenAt); err != nil {
			return nil, fmt.Errorf("decode %s entry %q: %w", GitHubEnvKey, feedID, err)
		}
		s.state[feedID] = cp
	}
	return s, nil
}

// GetCheckpoint returns the checkpoint of feedID, or nil.
func (s *GitHubEnv) GetCheckpoint(_ context.Context, feedID string) (*model.FeedCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state[feedID]
	if !ok {
		return nil, nil
	}
	seen, err := time.Parse(time.RFC3339, e.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", e.LastSeenAt, err)
	}
	return &model.FeedCheckpoint{FeedID: feedID, LastItemID: e.LastItemID, LastSeenAt: seen}, nil
}

// CommitCheckpoint merges cp into the map and appends the result to the
// environment file. Later lines override earlier ones.
func (s *GitHubEnv) CommitCheckpoint(_ context.Context, cp model.FeedCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state[cp.FeedID]
	s.state[cp.FeedID] = envCheckpoint{
		LastItemID: cp.LastItemID,
		LastSeenAt: cp.LastSeenAt.UTC().Format(time.RFC3339),
	}
	if s.path == "" {
		return nil
	}

	if err := s.append(); err != nil {
		if had {
			s.state[cp.FeedID] = prev
		} else {
			delete(s.state, cp.FeedID)
		}
		return err
	}
	return nil
}

func (s *GitHubEnv) append() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", GitHubEnvKey, err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s=%s\n", GitHubEnvKey, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write env file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync env file: %w", err)
	}
	return f.Close()
}

// Close is a no-op.
func (s *GitHubEnv) Close() error {
	return nil
}
