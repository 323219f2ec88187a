package format

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scoparia/internal/model"
)

var sample = model.FeedItem{
	ItemID:      "5003",
	FeedID:      "https://test-wiki.wikidot.com",
	Author:      "Carol",
	Title:       "Re: Welcome",
	RawText:     `<p>Thanks <strong>Alice</strong> &amp; Bob</p><script>alert(1)</script>`,
	PublishedAt: time.Date(2025, 3, 1, 12, 3, 0, 0, time.UTC),
	Permalink:   "http://test-wiki.wikidot.com/forum/t-1/x#post-5003",
}

func TestTitle(t *testing.T) {
	f := New()
	for _, kind := range []Kind{HTML, Markdown, Text, FTML} {
		msg := f.Render(kind, sample, "UTC")
		if diff := cmp.Diff("[Scoparia] New post", msg.Title); diff != "" {
			t.Errorf("kind %v title mismatch (-want +got):\n%s", kind, diff)
		}
	}
}

func TestLocalTime(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		tz   string
		want string
	}{
		{tz: "UTC", want: "01 Mar 2025, 12:00:00 UTC"},
		{tz: "Asia/Shanghai", want: "01 Mar 2025, 20:00:00 CST"},
		{tz: "Mars/Olympus", want: "01 Mar 2025, 12:00:00 UTC"},
		{tz: "", want: "01 Mar 2025, 12:00:00 UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			got := LocalTime(ts, tt.tz).Format(TimeLayout)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("LocalTime mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTruncateHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short input unchanged", in: "<p>hi</p>", max: 200, want: "<p>hi</p>"},
		{name: "blank input unchanged", in: "   ", max: 1, want: "   "},
		{name: "closes open tags", in: "<p><strong>abcdefghij</strong></p>", max: 15, want: "<p><strong>abcd...</strong></p>"},
		{name: "does not split a tag", in: "<p>abc<a href=\"x\">link</a></p>", max: 10, want: "<p>abc...</p>"},
		{name: "does not split a rune", in: "ééééé", max: 3, want: "é..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, TruncateHTML(tt.in, tt.max)); diff != "" {
				t.Errorf("TruncateHTML mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	f := New()
	got := f.PlainText(`<p>Line  one &amp; more</p><p>Line <a href="x">two</a><br/>three</p>`)
	want := "Line one & more\nLine two\nthree"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PlainText mismatch (-want +got):\n%s", diff)
	}
}

func TestRender(t *testing.T) {
	f := New()

	tests := []struct {
		name        string
		kind        Kind
		tz          string
		contains    []string
		notContains []string
	}{
		{
			name: "html for email is sanitised",
			kind: HTML,
			tz:   "Asia/Shanghai",
			contains: []string{
				`<a href="http://test-wiki.wikidot.com/forum/t-1/x#post-5003">`,
				"<strong>Re: Welcome</strong>",
				"01 Mar 2025, 20:03:00 CST",
				"<strong>Alice</strong>",
				"Powered by",
			},
			notContains: []string{"<script>", "alert(1)"},
		},
		{
			name: "markdown quotes content",
			kind: Markdown,
			tz:   "UTC",
			contains: []string{
				"🔗 <http://test-wiki.wikidot.com/forum/t-1/x#post-5003>",
				"💬 **Re: Welcome** - 👤 **Carol** - 🕐 01 Mar 2025, 12:03:00 UTC",
				"> Thanks **Alice**",
			},
		},
		{
			name: "ftml uses wiki date module",
			kind: FTML,
			tz:   "Asia/Shanghai",
			contains: []string{
				`[[date 1740830580 format="%e %b %Y, %H:%M:%S|agohover"]]`,
				"[[*user Carol]]",
				"> Thanks Alice & Bob",
			},
			notContains: []string{"CST"},
		},
		{
			name:        "text has no markup",
			kind:        Text,
			tz:          "UTC",
			contains:    []string{"💬 Re: Welcome - 👤 Carol", "Thanks Alice & Bob"},
			notContains: []string{"<p>", "**"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := f.Render(tt.kind, sample, tt.tz)
			if diff := cmp.Diff("[Scoparia] New post", msg.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			for _, s := range tt.contains {
				if !strings.Contains(msg.Body, s) {
					t.Errorf("body lacks %q:\n%s", s, msg.Body)
				}
			}
			for _, s := range tt.notContains {
				if strings.Contains(msg.Body, s) {
					t.Errorf("body contains %q:\n%s", s, msg.Body)
				}
			}
			if strings.Contains(msg.Text, "<") {
				t.Errorf("text rendition contains markup: %q", msg.Text)
			}
		})
	}
}

func TestRenderWithoutTitle(t *testing.T) {
	item := sample
	item.Title = ""
	msg := New().Render(Text, item, "UTC")
	if !strings.Contains(msg.Body, "👤 Carol - 🕐 01 Mar 2025, 12:03:00 UTC") {
		t.Errorf("unexpected header:\n%s", msg.Body)
	}
}
