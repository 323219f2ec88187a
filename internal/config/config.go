// Package config handles application configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"muzzammil.xyz/jsonc"

	"scoparia/internal/model"
)

// Checkpoint backends.
const (
	CheckpointSQLite = "sqlite"
	CheckpointGitHub = "github"
)

// Config holds the application configuration.
type Config struct {
	WikidotUsername string
	WikidotPassword string
	SiteURLs        []string

	MongoURI string
	Users    []model.UserProfile

	ConfigWikiURL      string
	UserConfigCategory string

	CheckpointBackend string
	DatabasePath      string
	LastRSSCheck      string
	GitHubEnvPath     string

	SMTP SMTPConfig

	FeedWorkers   int
	SendWorkers   int
	SendTimeout   time.Duration
	FetchTimeout  time.Duration
	LookupTimeout time.Duration
	SendRate      float64

	DetectReplies bool
	CromURL       string

	Schedule string
	LogLevel string
}

// SMTPConfig holds outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether an SMTP server is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// UseMongo reports whether the document-database user directory is selected.
func (c *Config) UseMongo() bool {
	return c.MongoURI != ""
}

var wikidotURLRe = regexp.MustCompile(`^https?://[\w\-]+\.wikidot\.com$`)

// NormalizeSiteURL validates a Wikidot site URL and strips the trailing slash.
func NormalizeSiteURL(raw string) (string, error) {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !wikidotURLRe.MatchString(u) {
		return "", fmt.Errorf("invalid wikidot url %q: expected http[s]://xxx.wikidot.com", raw)
	}
	return u, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	username := os.Getenv("WIKIDOT_USERNAME")
	if username == "" {
		return nil, fmt.Errorf("WIKIDOT_USERNAME is required")
	}
	password := os.Getenv("WIKIDOT_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("WIKIDOT_PASSWORD is required")
	}

	rawSites := os.Getenv("RSS_SITE_URLS")
	if rawSites == "" {
		return nil, fmt.Errorf("RSS_SITE_URLS is required")
	}
	var sites []string
	if err := json.Unmarshal([]byte(rawSites), &sites); err != nil {
		return nil, fmt.Errorf("RSS_SITE_URLS must be a JSON array of strings: %w", err)
	}
	for i, s := range sites {
		u, err := NormalizeSiteURL(s)
		if err != nil {
			return nil, fmt.Errorf("RSS_SITE_URLS: %w", err)
		}
		sites[i] = u
	}

	cfg := &Config{
		WikidotUsername:    username,
		WikidotPassword:    password,
		SiteURLs:           sites,
		MongoURI:           os.Getenv("MONGODB_URI"),
		ConfigWikiURL:      envOrDefault("CONFIG_WIKI_URL", "https://scoparia.wikidot.com"),
		UserConfigCategory: envOrDefault("USER_CONFIG_CATEGORY", "secret-notify"),
		CheckpointBackend:  strings.ToLower(envOrDefault("CHECKPOINT_BACKEND", CheckpointSQLite)),
		DatabasePath:       envOrDefault("DATABASE_PATH", "./data/scoparia.db"),
		LastRSSCheck:       os.Getenv("LAST_RSS_CHECK"),
		GitHubEnvPath:      os.Getenv("GITHUB_ENV"),
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		CromURL:  envOrDefault("CROM_API_URL", "https://apiv2.crom.avn.sh/graphql"),
		Schedule: os.Getenv("SCHEDULE"),
		LogLevel: envOrDefault("LOG_LEVEL", "info"),
	}

	switch cfg.CheckpointBackend {
	case CheckpointSQLite, CheckpointGitHub:
	default:
		return nil, fmt.Errorf("invalid CHECKPOINT_BACKEND %q, use: sqlite, github", cfg.CheckpointBackend)
	}

	var err error
	if cfg.SMTP.Port, err = intEnv("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.FeedWorkers, err = intEnv("FEED_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.SendWorkers, err = intEnv("SEND_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = durationEnv("SEND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LookupTimeout, err = durationEnv("LOOKUP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DetectReplies, err = boolEnv("DETECT_REPLIES", true); err != nil {
		return nil, err
	}
	if raw := os.Getenv("SEND_RATE"); raw != "" {
		cfg.SendRate, err = strconv.ParseFloat(raw, 64)
		if err != nil || cfg.SendRate < 0 {
			return nil, fmt.Errorf("invalid SEND_RATE %q", raw)
		}
	} else {
		cfg.SendRate = 5
	}

	rawUsers := os.Getenv("USERS_JSON")
	if !cfg.UseMongo() && rawUsers == "" {
		return nil, fmt.Errorf("USERS_JSON is required when MONGODB_URI is not set")
	}
	if rawUsers != "" {
		cfg.Users, err = ParseUsers([]byte(rawUsers))
		if err != nil {
			return nil, fmt.Errorf("USERS_JSON: %w", err)
		}
	}

	return cfg, nil
}

// UserEntry is the JSON shape of one user in USERS_JSON. Optional fields
// are pointers so that absent values pick up defaults.
type UserEntry struct {
	UserID          int64    `json:"userid"`
	Username        string   `json:"username"`
	AppriseURLs     []string `json:"apprise_urls"`
	Timezone        string   `json:"timezone,omitempty"`
	MentionLevel    string   `json:"mention_level,omitempty"`
	Email           *string  `json:"email,omitempty"`
	EnableWikidotPM *bool    `json:"enable_wikidot_pm,omitempty"`
	EnableEmail     *bool    `json:"enable_email,omitempty"`
	EnableApprise   *bool    `json:"enable_apprise,omitempty"`
}

// Profile converts the entry to a UserProfile, applying defaults.
func (e UserEntry) Profile() model.UserProfile {
	tz := e.Timezone
	if tz == "" {
		tz = "UTC"
	}
	var email string
	if e.Email != nil {
		email = *e.Email
	}
	return model.UserProfile{
		UserID:   e.UserID,
		Username: e.Username,
		Channels: model.ChannelSettings{
			WikidotPM: boolOr(e.EnableWikidotPM, true),
			Email:     model.EmailSettings{Enabled: boolOr(e.EnableEmail, true), Address: email},
			Apprise:   model.AppriseSettings{Enabled: boolOr(e.EnableApprise, true), URLs: e.AppriseURLs},
		},
		MentionLevel: model.ParseMentionLevel(e.MentionLevel),
		Timezone:     tz,
	}
}

// ParseUsers decodes a USERS_JSON object keyed by user id. Comments are
// accepted. The result is sorted by user id.
func ParseUsers(data []byte) ([]model.UserProfile, error) {
	var raw map[string]UserEntry
	if err := jsonc.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	users := make([]model.UserProfile, 0, len(raw))
	for key, entry := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id key %q: %w", key, err)
		}
		if entry.UserID == 0 {
			entry.UserID = id
		}
		if entry.UserID != id {
			return nil, fmt.Errorf("user id key %q does not match userid %d", key, entry.UserID)
		}
		if entry.Username == "" {
			return nil, fmt.Errorf("user %d: username is required", id)
		}
		users = append(users, entry.Profile())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", key, raw)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: must be a boolean", key, raw)
	}
	return v, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
