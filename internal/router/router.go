// Package router turns the mentions of an item into notification payloads.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"scoparia/internal/directory"
	"scoparia/internal/format"
	"scoparia/internal/model"
)

// Renderer formats an item for one channel.
type Renderer interface {
	Render(kind format.Kind, item model.FeedItem, tz string) model.Message
}

// channelKinds maps each channel to the markup its transport expects.
var channelKinds = map[model.Channel]format.Kind{
	model.ChannelWikidotPM: format.FTML,
	model.ChannelEmail:     format.HTML,
	model.ChannelApprise:   format.Markdown,
}

// LookupError reports usernames whose resolution failed for a reason other
// than not being registered. The item must be retried.
type LookupError struct {
	Usernames []string
	Err       error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("resolve %s: %v", strings.Join(e.Usernames, ", "), e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// DefaultLookupTimeout bounds a single directory lookup.
const DefaultLookupTimeout = 10 * time.Second

// Router builds payloads from mentions.
type Router struct {
	dir     directory.Directory
	render  Renderer
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithLookupTimeout sets the deadline of each directory lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Router.
func New(dir directory.Directory, render Renderer, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{dir: dir, render: render, logger: logger, timeout: DefaultLookupTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) resolve(ctx context.Context, username string, userID int64) (*model.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if userID > 0 {
		return r.dir.ResolveID(ctx, userID)
	}
	return r.dir.Resolve(ctx, username)
}

// Route returns one payload per (user, ready channel) for the mentions of
// item that pass the user's mention level. Unknown users are dropped.
// If some lookups fail the payloads for the other users are still returned
// together with a *LookupError.
func (r *Router) Route(ctx context.Context, item model.FeedItem, mentions []model.Mention) ([]model.NotificationPayload, error) {
	// Strongest strictness per user. Targets known by id are keyed by id.
	type target struct {
		name       string
		id         int64
		strictness model.Strictness
	}
	var order []string
	targets := make(map[string]*target)
	for _, m := range mentions {
		key := strings.ToLower(m.TargetUsername)
		if m.TargetUserID > 0 {
			key = "#" + strconv.FormatInt(m.TargetUserID, 10)
		}
		t, ok := targets[key]
		if !ok {
			targets[key] = &target{name: m.TargetUsername, id: m.TargetUserID, strictness: m.Strictness}
			order = append(order, key)
			continue
		}
		if m.Strictness > t.strictness {
			t.strictness = m.Strictness
		}
	}

	var (
		payloads []model.NotificationPayload
		failed   []string
		lastErr  error
		seen     = make(map[model.PayloadKey]struct{})
	)
	for _, key := range order {
		t := targets[key]
		label := t.name
		if label == "" {
			label = key
		}
		prof, err := r.resolve(ctx, t.name, t.id)
		if errors.Is(err, directory.ErrNotFound) {
			r.logger.Debug("mentioned user not registered", "username", label, "item", item.ItemID)
			continue
		}
		if err != nil {
			r.logger.Error("resolve mentioned user", "username", label, "item", item.ItemID, "error", err)
			failed = append(failed, label)
			lastErr = err
			continue
		}
		if !prof.MentionLevel.Accepts(t.strictness) {
			r.logger.Debug("mention below user's level", "username", prof.Username,
				"strictness", t.strictness.String(), "level", prof.MentionLevel.String())
			continue
		}

		for _, ch := range model.Channels {
			if !prof.Ready(ch) {
				continue
			}
			p := r.payload(item, prof, ch)
			if _, dup := seen[p.Key()]; dup {
				continue
			}
			seen[p.Key()] = struct{}{}
			payloads = append(payloads, p)
		}
	}

	if len(failed) > 0 {
		return payloads, &LookupError{Usernames: failed, Err: lastErr}
	}
	return payloads, nil
}

func (r *Router) payload(item model.FeedItem, prof *model.UserProfile, ch model.Channel) model.NotificationPayload {
	var targets []string
	switch ch {
	case model.ChannelWikidotPM:
		targets = []string{strconv.FormatInt(prof.UserID, 10)}
	case model.ChannelEmail:
		targets = []string{strings.TrimSpace(prof.Channels.Email.Address)}
	case model.ChannelApprise:
		targets = append(targets, prof.Channels.Apprise.URLs...)
	}
	return model.NotificationPayload{
		UserID:    prof.UserID,
		Username:  prof.Username,
		Channel:   ch,
		Item:      item,
		Targets:   targets,
		Message:   r.render.Render(channelKinds[ch], item, prof.Timezone),
		LocalTime: format.LocalTime(item.PublishedAt, prof.Timezone),
	}
}
