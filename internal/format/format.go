// Package format renders feed items into notification messages.
package format

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // Zone database for hosts without one.
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"scoparia/internal/model"
)

// Kind is an output markup.
type Kind int

// Supported kinds.
const (
	HTML Kind = iota
	Markdown
	Text
	FTML
)

func (k Kind) String() string {
	switch k {
	case HTML:
		return "html"
	case Markdown:
		return "markdown"
	case FTML:
		return "ftml"
	default:
		return "text"
	}
}

// TimeLayout is how publish times are shown to users.
const TimeLayout = "02 Jan 2006, 15:04:05 MST"

// MaxContentLen is the number of bytes of post HTML kept in a message.
const MaxContentLen = 200

const (
	projectURL = "https://github.com/Crimone/Scoparia"
	logoURL    = "https://cdn.jsdelivr.net/gh/Crimone/Scoparia@main/src/scoparia/static/scoparia.webp"
)

// Title returns the subject line of a notification.
func Title() string {
	return "[Scoparia] New post"
}

// LocalTime converts t to the IANA zone tz. Unknown zones fall back to UTC.
func LocalTime(t time.Time, tz string) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return t.In(loc)
}

// Formatter renders items. It is safe for concurrent use.
type Formatter struct {
	md     *converter.Converter
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

// New creates a Formatter.
func New() *Formatter {
	return &Formatter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// Render formats item as kind with times shown in tz. Message.Text always
// carries the plain-text rendition.
func (f *Formatter) Render(kind Kind, item model.FeedItem, tz string) model.Message {
	content := TruncateHTML(item.RawText, MaxContentLen)
	local := LocalTime(item.PublishedAt, tz)

	msg := model.Message{
		Title: Title(),
		Text:  f.renderText(item, content, local),
	}
	switch kind {
	case HTML:
		msg.Body = f.renderHTML(item, content, local)
	case Markdown:
		msg.Body = f.renderMarkdown(item, content, local)
	case FTML:
		msg.Body = f.renderFTML(item, content)
	default:
		msg.Body = msg.Text
	}
	return msg
}

func (f *Formatter) renderHTML(item model.FeedItem, content string, local time.Time) string {
	esc := html.EscapeString
	var header string
	if item.Title != "" {
		header = fmt.Sprintf("💬 <strong>%s</strong> - 👤 <strong>%s</strong> - 🕐 %s",
			esc(item.Title), esc(item.Author), local.Format(TimeLayout))
	} else {
		header = fmt.Sprintf("👤 <strong>%s</strong> - 🕐 %s", esc(item.Author), local.Format(TimeLayout))
	}
	link := esc(item.Permalink)

	var b strings.Builder
	fmt.Fprintf(&b, "<p style=\"margin-bottom: 0.5em;\">🔗 <a href=\"%s\">%s</a></p>\n", link, link)
	fmt.Fprintf(&b, "<p style=\"margin-bottom: 0.5em;\">%s</p>\n", header)
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", f.ugc.Sanitize(content))
	b.WriteString("\n<hr>\n\n")
	fmt.Fprintf(&b, "<img src=\"%s\" height=\"14\" alt=\"⚡\" style=\"height: 1em; vertical-align: middle;\"> ", logoURL)
	fmt.Fprintf(&b, "<em>Powered by <a href=\"%s\">Scoparia</a></em>", projectURL)
	return b.String()
}

func (f *Formatter) renderMarkdown(item model.FeedItem, content string, local time.Time) string {
	var header string
	if item.Title != "" {
		header = fmt.Sprintf("💬 **%s** - 👤 **%s** - 🕐 %s", item.Title, item.Author, local.Format(TimeLayout))
	} else {
		header = fmt.Sprintf("👤 **%s** - 🕐 %s", item.Author, local.Format(TimeLayout))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔗 <%s>\n\n", item.Permalink)
	b.WriteString(header + "\n\n")
	b.WriteString(quote(f.markdown(content)) + "\n")
	b.WriteString("\n---\n\n")
	fmt.Fprintf(&b, "⚡ *Powered by [Scoparia](%s)*", projectURL)
	return b.String()
}

func (f *Formatter) renderText(item model.FeedItem, content string, local time.Time) string {
	var header string
	if item.Title != "" {
		header = fmt.Sprintf("💬 %s - 👤 %s - 🕐 %s", item.Title, item.Author, local.Format(TimeLayout))
	} else {
		header = fmt.Sprintf("👤 %s - 🕐 %s", item.Author, local.Format(TimeLayout))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔗 %s\n", item.Permalink)
	b.WriteString(header + "\n")
	b.WriteString(f.PlainText(content) + "\n")
	b.WriteString("\n══════\n\n")
	fmt.Fprintf(&b, "⚡ Powered by Scoparia | %s", projectURL)
	return b.String()
}

// renderFTML produces Wikidot markup. Dates use the wiki's own date module
// so the reader's browser localises them.
func (f *Formatter) renderFTML(item model.FeedItem, content string) string {
	date := fmt.Sprintf(`[[date %d format="%%e %%b %%Y, %%H:%%M:%%S|agohover"]]`, item.PublishedAt.Unix())
	var header string
	if item.Title != "" {
		header = fmt.Sprintf("💬 **%s** - [[*user %s]] - 🕐 %s", item.Title, item.Author, date)
	} else {
		header = fmt.Sprintf("[[*user %s]] - 🕐 %s", item.Author, date)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔗 %s\n\n", item.Permalink)
	b.WriteString(header + "\n\n")
	b.WriteString(quote(f.PlainText(content)) + "\n")
	b.WriteString("\n------\n\n")
	fmt.Fprintf(&b, "[[image %s style=\"height:1em\"]] //Powered by [*%s Scoparia]//", logoURL, projectURL)
	return b.String()
}

func (f *Formatter) markdown(content string) string {
	md, err := f.md.ConvertString(content)
	if err != nil {
		return f.PlainText(content)
	}
	return strings.TrimSpace(md)
}

var (
	blockEndRe = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>|</blockquote>`)
	spaceRe    = regexp.MustCompile(`[ \t]+`)
	blankRe    = regexp.MustCompile(`\n{3,}`)
)

// PlainText strips all markup from an HTML fragment, keeping line breaks.
func (f *Formatter) PlainText(content string) string {
	s := blockEndRe.ReplaceAllStringFunc(content, func(m string) string { return m + "\n" })
	s = html.UnescapeString(f.strict.Sanitize(s))
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRe.ReplaceAllString(s, "\n\n"))
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// TruncateHTML cuts an HTML fragment to at most max bytes without splitting
// a tag or a character, appends an ellipsis and closes any open elements.
func TruncateHTML(s string, max int) string {
	if strings.TrimSpace(s) == "" || len(s) <= max {
		return s
	}

	pos := max
	if start := strings.LastIndex(s[:pos], "<"); start != -1 {
		if end := strings.Index(s[start:], ">"); end == -1 || start+end >= pos {
			pos = start
		}
	}
	for pos > 0 && !utf8.RuneStart(s[pos]) {
		pos--
	}
	cut := s[:pos] + "..."

	nodes, err := xhtml.ParseFragment(strings.NewReader(cut), &xhtml.Node{
		Type:     xhtml.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return cut
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		if err := xhtml.Render(&buf, n); err != nil {
			return cut
		}
	}
	return buf.String()
}
