package apprise

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
)

const (
	defaultTelegramEndpoint = tgbotapi.APIEndpoint
	telegramMaxLen          = 4096
)

// ctxClient binds every request of a bot call to ctx.
type ctxClient struct {
	ctx    context.Context
	client HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// parseTelegram splits tgram://token/chat[/chat...]. Chats are numeric ids
// or @channel names.
func parseTelegram(raw string) (token string, chats []string, err error) {
	parts := pathSegments(raw)
	if len(parts) < 2 {
		return "", nil, errors.New("parse telegram url: expected tgram://bot_token/chat_id")
	}
	token = strings.TrimPrefix(parts[0], "bot")
	if !strings.Contains(token, ":") {
		return "", nil, errors.New("parse telegram url: malformed bot token")
	}
	return token, parts[1:], nil
}

func (t *Transport) sendTelegram(ctx context.Context, raw string, m model.Message) error {
	token, chats, err := parseTelegram(raw)
	if err != nil {
		return dispatch.Permanent(err)
	}

	bot := &tgbotapi.BotAPI{Token: token, Client: ctxClient{ctx: ctx, client: t.client}}
	bot.SetAPIEndpoint(t.telegramEndpoint)

	text := m.Text
	if m.Title != "" {
		text = m.Title + "\n\n" + text
	}
	text = truncate(text, telegramMaxLen)

	errs := make([]error, len(chats))
	for i, chat := range chats {
		var msg tgbotapi.MessageConfig
		if id, perr := strconv.ParseInt(chat, 10, 64); perr == nil {
			msg = tgbotapi.NewMessage(id, text)
		} else {
			msg = tgbotapi.NewMessageToChannel("@"+strings.TrimPrefix(chat, "@"), text)
		}
		msg.DisableWebPagePreview = true
		if _, err := bot.Send(msg); err != nil {
			errs[i] = classifyTelegram(fmt.Errorf("send telegram message to %s: %w", chat, err))
		}
	}
	return dispatch.Worst(errs...)
}

func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return dispatch.StatusError(apiErr.Code, err)
	}
	return dispatch.Transient(err)
}
