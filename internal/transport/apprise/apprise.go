// Package apprise delivers notifications to Apprise-style service URLs.
//
// Supported schemes:
//
//	json://host[:port]/path, jsons://...   JSON POST webhook
//	form://host[:port]/path, forms://...   form POST webhook
//	tgram://bot_token/chat_id[/chat_id...] Telegram bot message
//	discord://[user@]webhook_id/token      Discord webhook
package apprise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
)

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookExecutor posts a Discord webhook message. *discordgo.Session
// satisfies it.
type WebhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ErrUnsupportedScheme is returned for URLs no notifier handles.
var ErrUnsupportedScheme = errors.New("apprise: unsupported scheme")

// Transport fans a payload out to each of its target URLs.
type Transport struct {
	client           HTTPClient
	discord          WebhookExecutor
	telegramEndpoint string
	logger           *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithDiscord replaces the Discord webhook client.
func WithDiscord(d WebhookExecutor) Option {
	return func(t *Transport) { t.discord = d }
}

// WithTelegramEndpoint overrides the Bot API endpoint format, which takes
// the token and the method name.
func WithTelegramEndpoint(endpoint string) Option {
	return func(t *Transport) { t.telegramEndpoint = endpoint }
}

// New creates a Transport.
func New(client *http.Client, logger *slog.Logger, opts ...Option) (*Transport, error) {
	t := &Transport{
		client:           client,
		telegramEndpoint: defaultTelegramEndpoint,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.discord == nil {
		s, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		s.Client = client
		s.ShouldRetryOnRateLimit = false
		s.MaxRestRetries = 0
		t.discord = s
	}
	return t, nil
}

// Send delivers p to every target URL. Each URL is attempted once; the
// result is the worst outcome across targets.
func (t *Transport) Send(ctx context.Context, p model.NotificationPayload) error {
	if len(p.Targets) == 0 {
		return dispatch.Permanent(fmt.Errorf("apprise: payload for %s has no urls", p.Username))
	}
	errs := make([]error, len(p.Targets))
	for i, raw := range p.Targets {
		errs[i] = t.notify(ctx, raw, p.Message)
		if errs[i] != nil {
			t.logger.Warn("apprise target failed",
				"user", p.Username,
				"scheme", scheme(raw),
				"kind", dispatch.Classify(errs[i]),
				"error", errs[i],
			)
		}
	}
	return dispatch.Worst(errs...)
}

func (t *Transport) notify(ctx context.Context, raw string, m model.Message) error {
	switch scheme(raw) {
	case "json", "jsons":
		return t.sendJSON(ctx, raw, m)
	case "form", "forms":
		return t.sendForm(ctx, raw, m)
	case "tgram":
		return t.sendTelegram(ctx, raw, m)
	case "discord":
		return t.sendDiscord(ctx, raw, m)
	default:
		return dispatch.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme(raw)))
	}
}

func scheme(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(raw[:i])
}

// pathSegments splits everything after the scheme on slashes, dropping the
// query string and empty segments.
func pathSegments(raw string) []string {
	rest := raw[strings.Index(raw, "://")+3:]
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	var out []string
	for _, s := range strings.Split(rest, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
