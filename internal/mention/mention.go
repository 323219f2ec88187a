// Package mention finds user mentions in forum post text.
//
// Two syntaxes are recognised. The strict ("avatar hover") form is the
// starred markup [[*user Name]] / [[*Name]] or its rendered HTML, a
// span.printuser carrying the avatarhover class. The loose form is the
// unstarred markup [[user Name]] / [[Name]] or a plain span.printuser.
package mention

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"scoparia/internal/model"
	"scoparia/internal/wikidot"
)

var (
	userTagRe   = regexp.MustCompile(`(?i)\[\[(\*?)user\s+([^\[\]\n]+?)\s*\]\]`)
	shorthandRe = regexp.MustCompile(`\[\[(\*?)([\p{L}\p{N}_.\- ]{1,64})\]\]`)
)

// Extract returns the mentions in an item, deduplicated by username
// (case-insensitively) and strictness. Results are sorted by lowercase
// username, loose before strict.
func Extract(item model.FeedItem) []model.Mention {
	set := newMentionSet(item.ItemID)
	scanMarkup(item.RawText, set)
	scanHTML(item.RawText, set)
	return set.list()
}

type mentionKey struct {
	name       string
	strictness model.Strictness
}

type mentionSet struct {
	itemID string
	seen   map[mentionKey]model.Mention
}

func newMentionSet(itemID string) *mentionSet {
	return &mentionSet{itemID: itemID, seen: make(map[mentionKey]model.Mention)}
}

func (s *mentionSet) add(name string, strict bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	st := model.Loose
	if strict {
		st = model.Strict
	}
	key := mentionKey{name: strings.ToLower(name), strictness: st}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = model.Mention{TargetUsername: name, SourceItemID: s.itemID, Strictness: st}
}

func (s *mentionSet) list() []model.Mention {
	if len(s.seen) == 0 {
		return nil
	}
	keys := make([]mentionKey, 0, len(s.seen))
	for k := range s.seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].strictness < keys[j].strictness
	})
	out := make([]model.Mention, len(keys))
	for i, k := range keys {
		out[i] = s.seen[k]
	}
	return out
}

func scanMarkup(text string, set *mentionSet) {
	for _, m := range userTagRe.FindAllStringSubmatch(text, -1) {
		set.add(m[2], m[1] == "*")
	}
	for _, m := range shorthandRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[2])
		first, _, _ := strings.Cut(strings.ToLower(name), " ")
		if first == "user" || moduleTags[first] {
			continue
		}
		set.add(name, m[1] == "*")
	}
}

// moduleTags are Wikidot block names that share the [[name]] shape with
// the shorthand mention syntax.
var moduleTags = map[string]bool{
	"a": true, "bibliography": true, "button": true, "cell": true,
	"char": true, "code": true, "collapsible": true, "date": true,
	"div": true, "embed": true, "embedaudio": true, "embedvideo": true,
	"eref": true, "file": true, "footnote": true, "footnoteblock": true,
	"form": true, "gallery": true, "hcell": true, "html": true,
	"iframe": true, "ifcategory": true, "iftags": true, "image": true,
	"include": true, "li": true, "math": true, "module": true,
	"newline": true, "note": true, "ol": true, "row": true,
	"size": true, "social": true, "span": true, "tab": true,
	"table": true, "tabview": true, "toc": true, "ul": true,
}

func scanHTML(text string, set *mentionSet) {
	if !strings.Contains(text, "printuser") {
		return
	}
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Span && wikidot.HasClass(n, "printuser") {
			if u, ok := wikidot.ParsePrintUser(n); ok {
				set.add(u.Name, wikidot.HasClass(n, "avatarhover"))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}
