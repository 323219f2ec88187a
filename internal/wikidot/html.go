package wikidot

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// User is a registered account rendered by a span.printuser element.
type User struct {
	ID   int64
	Name string
}

var userInfoRe = regexp.MustCompile(`userInfo\((\d+)\)`)

// ParsePrintUser extracts the account from a span.printuser element. It
// reports false for deleted, anonymous and guest users.
func ParsePrintUser(n *html.Node) (User, bool) {
	if HasClass(n, "deleted") || HasClass(n, "anonymous") {
		return User{}, false
	}
	links := findAll(n, func(n *html.Node) bool { return n.DataAtom == atom.A })
	if len(links) == 0 {
		return User{}, false
	}
	last := links[len(links)-1]

	u := User{Name: strings.TrimSpace(textOf(last))}
	if m := userInfoRe.FindStringSubmatch(attr(last, "onclick")); m != nil {
		u.ID, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if u.Name == "" {
		return User{}, false
	}
	return u, true
}

func parseFragment(s string) (*html.Node, error) {
	return html.Parse(strings.NewReader(s))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasClass reports whether the class attribute of n lists class.
func HasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// findAll returns the element descendants of n (n included) matching fn,
// in document order.
func findAll(n *html.Node, fn func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && fn(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, fn func(*html.Node) bool) *html.Node {
	if all := findAll(n, fn); len(all) > 0 {
		return all[0]
	}
	return nil
}

func byClass(tag atom.Atom, class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return (tag == 0 || n.DataAtom == tag) && HasClass(n, class)
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			if n.DataAtom == atom.Br {
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.P || n.DataAtom == atom.Div) {
			b.WriteByte('\n')
		}
	}
	walk(n)
	return b.String()
}
