// Package pm delivers notifications as Wikidot private messages.
package pm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
	"scoparia/internal/wikidot"
)

// Sender sends a private message to a user id.
type Sender interface {
	SendPrivateMessage(ctx context.Context, toUserID int64, subject, body string) error
}

// Transport sends payloads through a logged-in Wikidot session.
type Transport struct {
	sender Sender
}

// New creates a Transport.
func New(sender Sender) *Transport {
	return &Transport{sender: sender}
}

// Send delivers p to the user id in its first target.
func (t *Transport) Send(ctx context.Context, p model.NotificationPayload) error {
	if len(p.Targets) == 0 {
		return dispatch.Permanent(fmt.Errorf("pm: payload for %s has no target", p.Username))
	}
	userID, err := strconv.ParseInt(p.Targets[0], 10, 64)
	if err != nil || userID <= 0 {
		return dispatch.Permanent(fmt.Errorf("pm: invalid user id %q", p.Targets[0]))
	}
	if err := t.sender.SendPrivateMessage(ctx, userID, p.Message.Title, p.Message.Body); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps session errors to delivery kinds. A recipient who blocks
// messages or a rejected request never succeeds on retry.
func classify(err error) error {
	var httpErr *wikidot.HTTPError
	var statusErr *wikidot.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dispatch.Transient(err)
	case errors.Is(err, wikidot.ErrForbidden), errors.Is(err, wikidot.ErrLoginFailed):
		return dispatch.Permanent(err)
	case errors.As(err, &httpErr):
		return dispatch.StatusError(httpErr.Code, err)
	case errors.As(err, &statusErr):
		if statusErr.Status == "try_again" {
			return dispatch.Transient(err)
		}
		return dispatch.Permanent(err)
	default:
		return dispatch.Transient(err)
	}
}
