package apprise

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
)

const discordMaxLen = 2000

type discordTarget struct {
	username string
	id       string
	token    string
}

// parseDiscord splits discord://[user@]webhook_id/webhook_token.
func parseDiscord(raw string) (*discordTarget, error) {
	parts := pathSegments(raw)
	if len(parts) < 2 {
		return nil, errors.New("parse discord url: expected discord://webhook_id/webhook_token")
	}
	t := &discordTarget{id: parts[0], token: parts[1]}
	if user, id, ok := strings.Cut(parts[0], "@"); ok {
		t.username, t.id = user, id
	}
	return t, nil
}

func (t *Transport) sendDiscord(ctx context.Context, raw string, m model.Message) error {
	target, err := parseDiscord(raw)
	if err != nil {
		return dispatch.Permanent(err)
	}
	content := m.Body
	if m.Title != "" {
		content = "**" + m.Title + "**\n" + content
	}
	params := &discordgo.WebhookParams{
		Content:  truncate(content, discordMaxLen),
		Username: target.username,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}
	if _, err := t.discord.WebhookExecute(target.id, target.token, false, params, discordgo.WithContext(ctx)); err != nil {
		err = fmt.Errorf("execute discord webhook %s: %w", target.id, err)
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			return dispatch.StatusError(restErr.Response.StatusCode, err)
		}
		return dispatch.Transient(err)
	}
	return nil
}
