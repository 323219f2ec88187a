package email

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
)

func payload(targets ...string) model.NotificationPayload {
	return model.NotificationPayload{
		UserID:   42,
		Username: "Alice",
		Channel:  model.ChannelEmail,
		Targets:  targets,
		Message: model.Message{
			Title: "新提及 from Carol",
			Body:  "<p>Thanks <b>Alice</b></p>",
			Text:  "Thanks Alice\nsecond line",
		},
	}
}

func TestSendBuildsMultipartMessage(t *testing.T) {
	var gotTo string
	var gotMsg []byte
	var gotCfg Config
	tr := New(Config{Host: "smtp.example.com", Username: "bot@example.com", Password: "pw"},
		WithSendFunc(func(_ context.Context, cfg Config, to string, msg []byte) error {
			gotCfg, gotTo, gotMsg = cfg, to, msg
			return nil
		}))
	tr.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := tr.Send(context.Background(), payload("alice@example.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(Config{Host: "smtp.example.com", Port: 587, Username: "bot@example.com", Password: "pw", From: "bot@example.com"}, gotCfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("alice@example.com", gotTo); diff != "" {
		t.Errorf("recipient mismatch (-want +got):\n%s", diff)
	}

	msg, err := mail.ReadMessage(strings.NewReader(string(gotMsg)))
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		t.Fatalf("decode subject: %v", err)
	}
	if diff := cmp.Diff("新提及 from Carol", subject); diff != "" {
		t.Errorf("subject mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Sat, 01 Mar 2025 12:00:00 +0000", msg.Header.Get("Date")); diff != "" {
		t.Errorf("date mismatch (-want +got):\n%s", diff)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	if diff := cmp.Diff("multipart/alternative", mediaType); diff != "" {
		t.Errorf("media type mismatch (-want +got):\n%s", diff)
	}

	type part struct {
		ContentType string
		Body        string
	}
	var parts []part
	r := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		body, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		parts = append(parts, part{ContentType: p.Header.Get("Content-Type"), Body: string(body)})
	}
	want := []part{
		{ContentType: `text/plain; charset="utf-8"`, Body: "Thanks Alice\r\nsecond line"},
		{ContentType: `text/html; charset="utf-8"`, Body: "<p>Thanks <b>Alice</b></p>"},
	}
	if diff := cmp.Diff(want, parts); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		targets []string
		err     error
		want    dispatch.Kind
	}{
		{name: "no address", want: dispatch.KindPermanent},
		{name: "not an address", targets: []string{"alice"}, want: dispatch.KindPermanent},
		{name: "mailbox unavailable", targets: []string{"a@example.com"}, err: &textproto.Error{Code: 550, Msg: "no such user"}, want: dispatch.KindPermanent},
		{name: "greylisted", targets: []string{"a@example.com"}, err: &textproto.Error{Code: 451, Msg: "try later"}, want: dispatch.KindTransient},
		{name: "network", targets: []string{"a@example.com"}, err: errors.New("connection refused"), want: dispatch.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(Config{Host: "smtp.example.com", From: "bot@example.com"},
				WithSendFunc(func(context.Context, Config, string, []byte) error { return tt.err }))
			err := tr.Send(context.Background(), payload(tt.targets...))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if diff := cmp.Diff(tt.want, dispatch.Classify(err)); diff != "" {
				t.Errorf("kind mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
