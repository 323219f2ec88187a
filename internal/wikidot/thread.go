package wikidot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrPostNotFound is returned when a post is missing from its thread.
var ErrPostNotFound = errors.New("wikidot: post not found")

// Thread is a forum thread as shown by the thread view module.
type Thread struct {
	ID         int64
	Title      string
	CreatedBy  User
	HasCreator bool
	// PageFullname is set when the thread is the discussion of a page.
	PageFullname string
}

// Post is one forum post. Parents lists the authors of the posts it
// replies to, nearest first. Deleted and anonymous authors are omitted.
type Post struct {
	ID        int64
	Author    User
	HasAuthor bool
	Parents   []User
}

var threadIDRe = regexp.MustCompile(`WIKIDOT\.forumThreadId = (\d+);`)

// GetThread loads the header of thread threadID on siteURL.
func (c *Client) GetThread(ctx context.Context, siteURL string, threadID int64) (*Thread, error) {
	body, err := c.Ajax(ctx, siteURL, url.Values{
		"t":          {strconv.FormatInt(threadID, 10)},
		"moduleName": {"forum/ForumViewThreadModule"},
	})
	if err != nil {
		return nil, fmt.Errorf("get thread %d: %w", threadID, err)
	}
	t, err := parseThread(body)
	if err != nil {
		return nil, fmt.Errorf("get thread %d: %w", threadID, err)
	}
	if t.ID != threadID {
		return nil, fmt.Errorf("get thread %d: page shows thread %d", threadID, t.ID)
	}
	return t, nil
}

// GetPost loads post postID of thread threadID together with the chain of
// posts it replies to.
func (c *Client) GetPost(ctx context.Context, siteURL string, threadID, postID int64) (*Post, error) {
	body, err := c.Ajax(ctx, siteURL, url.Values{
		"postId":     {strconv.FormatInt(postID, 10)},
		"t":          {strconv.FormatInt(threadID, 10)},
		"order":      {""},
		"moduleName": {"forum/ForumViewThreadPostsModule"},
	})
	if err != nil {
		return nil, fmt.Errorf("get post %d: %w", postID, err)
	}
	p, err := parsePost(body, postID)
	if err != nil {
		return nil, fmt.Errorf("get post %d: %w", postID, err)
	}
	return p, nil
}

// PageAuthor looks up the creator of the page fullname on siteURL. It
// reports false when the page does not exist or its creator is gone.
func (c *Client) PageAuthor(ctx context.Context, siteURL, fullname string) (User, bool, error) {
	body, err := c.Ajax(ctx, siteURL, url.Values{
		"moduleName":  {"list/ListPagesModule"},
		"perPage":     {"1"},
		"fullname":    {fullname},
		"module_body": {authorModuleBody},
	})
	if err != nil {
		return User{}, false, fmt.Errorf("page author of %s: %w", fullname, err)
	}
	pages, err := parseConfigPages(body)
	if err != nil {
		return User{}, false, fmt.Errorf("page author of %s: %w", fullname, err)
	}
	if len(pages) == 0 || !pages[0].HasCreator {
		return User{}, false, nil
	}
	return pages[0].CreatedBy, true, nil
}

var authorModuleBody = buildModuleBody([]string{"name", "created_by_linked"}, nil)

func parseThread(body string) (*Thread, error) {
	doc, err := parseFragment(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	bc := findFirst(doc, byClass(atom.Div, "forum-breadcrumbs"))
	if bc == nil {
		return nil, errors.New("breadcrumbs not found")
	}
	t := &Thread{}
	if last := bc.LastChild; last != nil {
		t.Title = strings.TrimPrefix(strings.TrimSpace(textOf(last)), "» ")
	}

	var found bool
	for _, s := range findAll(doc, func(n *html.Node) bool { return n.DataAtom == atom.Script }) {
		if m := threadIDRe.FindStringSubmatch(textOf(s)); m != nil {
			t.ID, _ = strconv.ParseInt(m[1], 10, 64)
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("thread id not found")
	}

	if stats := findFirst(doc, byClass(atom.Div, "statistics")); stats != nil {
		if span := findFirst(stats, byClass(atom.Span, "printuser")); span != nil {
			t.CreatedBy, t.HasCreator = ParsePrintUser(span)
		}
	}

	if desc := findFirst(doc, byClass(atom.Div, "description-block")); desc != nil {
		for _, a := range findAll(desc, func(n *html.Node) bool { return n.DataAtom == atom.A }) {
			href := attr(a, "href")
			if !strings.HasPrefix(href, "/") {
				continue
			}
			name := strings.TrimPrefix(href, "/")
			if name == "" || strings.HasPrefix(name, "forum") || strings.HasPrefix(name, "feed") {
				continue
			}
			t.PageFullname = name
			break
		}
	}
	return t, nil
}

func parsePost(body string, postID int64) (*Post, error) {
	doc, err := parseFragment(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	id := "post-" + strconv.FormatInt(postID, 10)
	el := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && HasClass(n, "post") && attr(n, "id") == id
	})
	if el == nil {
		return nil, ErrPostNotFound
	}

	p := &Post{ID: postID}
	p.Author, p.HasAuthor = postAuthor(el)

	// Replies are nested inside the container of the post they answer.
	for n := el.Parent; n != nil; n = n.Parent {
		if n.Type != html.ElementNode || n.DataAtom != atom.Div || !HasClass(n, "post-container") {
			continue
		}
		if n == el.Parent {
			continue
		}
		parent := findFirst(n, byClass(atom.Div, "post"))
		if parent == nil {
			break
		}
		if u, ok := postAuthor(parent); ok {
			p.Parents = append(p.Parents, u)
		}
	}
	return p, nil
}

func postAuthor(post *html.Node) (User, bool) {
	info := findFirst(post, byClass(atom.Div, "info"))
	if info == nil {
		return User{}, false
	}
	span := findFirst(info, byClass(atom.Span, "printuser"))
	if span == nil {
		return User{}, false
	}
	return ParsePrintUser(span)
}
