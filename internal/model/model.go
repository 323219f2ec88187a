// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// FeedCheckpoint marks the newest fully processed item of a feed.
type FeedCheckpoint struct {
	FeedID     string
	LastItemID string
	LastSeenAt time.Time
}

// FeedItem is a single forum post taken from a feed.
type FeedItem struct {
	ItemID      string
	FeedID      string
	ThreadID    string
	Author      string
	Title       string
	RawText     string
	PublishedAt time.Time
	Permalink   string
}

// Checkpoint returns the checkpoint that references this item.
func (i FeedItem) Checkpoint() FeedCheckpoint {
	return FeedCheckpoint{
		FeedID:     i.FeedID,
		LastItemID: i.ItemID,
		LastSeenAt: i.PublishedAt,
	}
}

// Strictness records which mention syntax matched.
type Strictness int

// Supported strictness levels.
const (
	Loose Strictness = iota
	Strict
)

func (s Strictness) String() string {
	switch s {
	case Strict:
		return "strict"
	default:
		return "loose"
	}
}

// Mention is a reference to a user found in one feed item. Reply targets
// also carry the user id; TargetUsername may then be empty.
type Mention struct {
	TargetUsername string
	TargetUserID   int64
	SourceItemID   string
	Strictness     Strictness
}

// MentionLevel controls which mention syntaxes notify a user.
type MentionLevel int

// Supported mention levels.
const (
	MentionDisabled MentionLevel = iota
	MentionAvatarHover
	MentionAll
)

func (l MentionLevel) String() string {
	switch l {
	case MentionDisabled:
		return "disabled"
	case MentionAll:
		return "all"
	default:
		return "avatarhover"
	}
}

// ParseMentionLevel converts a config value to a MentionLevel.
// Unknown values fall back to MentionAvatarHover.
func ParseMentionLevel(s string) MentionLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled":
		return MentionDisabled
	case "all":
		return MentionAll
	default:
		return MentionAvatarHover
	}
}

// Accepts reports whether a mention of the given strictness notifies
// a user with this level.
func (l MentionLevel) Accepts(s Strictness) bool {
	switch l {
	case MentionAll:
		return true
	case MentionAvatarHover:
		return s == Strict
	default:
		return false
	}
}

// Channel is a notification transport.
type Channel int

// Supported channels.
const (
	ChannelWikidotPM Channel = iota
	ChannelEmail
	ChannelApprise
)

// Channels lists every channel in dispatch order.
var Channels = []Channel{ChannelWikidotPM, ChannelEmail, ChannelApprise}

func (c Channel) String() string {
	switch c {
	case ChannelWikidotPM:
		return "wikidot_pm"
	case ChannelEmail:
		return "email"
	case ChannelApprise:
		return "apprise"
	default:
		return "unknown"
	}
}

// EmailSettings configures the email channel.
type EmailSettings struct {
	Enabled bool
	Address string
}

// AppriseSettings configures the URL notification channel.
type AppriseSettings struct {
	Enabled bool
	URLs    []string
}

// ChannelSettings holds per-channel preferences of a user.
type ChannelSettings struct {
	WikidotPM bool
	Email     EmailSettings
	Apprise   AppriseSettings
}

// UserProfile is a registered notification recipient.
type UserProfile struct {
	UserID       int64
	Username     string
	Channels     ChannelSettings
	MentionLevel MentionLevel
	Timezone     string
}

// Ready reports whether the channel is enabled and has the fields it needs.
func (p *UserProfile) Ready(c Channel) bool {
	switch c {
	case ChannelWikidotPM:
		return p.Channels.WikidotPM && p.UserID > 0
	case ChannelEmail:
		return p.Channels.Email.Enabled && strings.TrimSpace(p.Channels.Email.Address) != ""
	case ChannelApprise:
		return p.Channels.Apprise.Enabled && len(p.Channels.Apprise.URLs) > 0
	}
	return false
}

// Message is a rendered notification.
type Message struct {
	Title string
	Body  string
	// Text is a plain-text rendition used by targets without markup support.
	Text string
}

// NotificationPayload is one notification for one user on one channel.
type NotificationPayload struct {
	UserID    int64
	Username  string
	Channel   Channel
	Item      FeedItem
	Targets   []string
	Message   Message
	LocalTime time.Time
}

// Key identifies a payload for per-item deduplication.
func (p NotificationPayload) Key() PayloadKey {
	return PayloadKey{UserID: p.UserID, Channel: p.Channel, ItemID: p.Item.ItemID}
}

// PayloadKey is the dedup key of a payload.
type PayloadKey struct {
	UserID  int64
	Channel Channel
	ItemID  string
}
