package wikidot

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const listPagesPerPage = 50

// ConfigPage is one page of the user configuration category.
type ConfigPage struct {
	Name        string
	CreatedBy   User
	HasCreator  bool
	Content     string
	AppriseURLs []string
	Email       string
}

// ListConfigPages lists every page of category on siteURL with the fields
// needed to build user configurations. Pages are requested in batches until
// a short batch is returned.
func (c *Client) ListConfigPages(ctx context.Context, siteURL, category string) ([]ConfigPage, error) {
	var pages []ConfigPage
	for offset := 0; ; offset += listPagesPerPage {
		body, err := c.Ajax(ctx, siteURL, url.Values{
			"moduleName":  {"list/ListPagesModule"},
			"perPage":     {strconv.Itoa(listPagesPerPage)},
			"offset":      {strconv.Itoa(offset)},
			"category":    {category},
			"module_body": {configModuleBody},
		})
		if err != nil {
			return nil, fmt.Errorf("list pages at offset %d: %w", offset, err)
		}
		batch, err := parseConfigPages(body)
		if err != nil {
			return nil, fmt.Errorf("list pages at offset %d: %w", offset, err)
		}
		pages = append(pages, batch...)
		if len(batch) < listPagesPerPage {
			break
		}
	}
	return pages, nil
}

var configModuleBody = buildModuleBody(
	[]string{"name", "created_by_linked", "content"},
	[]string{"apprise_urls", "email"},
)

func buildModuleBody(fields, formFields []string) string {
	var b strings.Builder
	b.WriteString("[[div class=\"page\"]]\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "[[span class=\"query_%s\"]] %%%%%s%%%% [[/span]]", f, f)
	}
	for _, f := range formFields {
		fmt.Fprintf(&b, "[[span class=\"query_%s\"]] %%%%form_data{%s}%%%% [[/span]]", f, f)
	}
	b.WriteString("\n[[/div]]")
	return b.String()
}

func parseConfigPages(body string) ([]ConfigPage, error) {
	doc, err := parseFragment(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var pages []ConfigPage
	for _, div := range findAll(doc, byClass(atom.Div, "page")) {
		field := func(name string) (*html.Node, bool) {
			n := findFirst(div, byClass(atom.Span, "query_"+name))
			return n, n != nil
		}

		nameNode, ok := field("name")
		if !ok {
			continue
		}
		p := ConfigPage{Name: strings.TrimSpace(textOf(nameNode))}

		if n, ok := field("created_by_linked"); ok {
			if span := findFirst(n, byClass(atom.Span, "printuser")); span != nil {
				p.CreatedBy, p.HasCreator = ParsePrintUser(span)
			}
		}
		if n, ok := field("content"); ok {
			p.Content = strings.TrimSpace(textOf(n))
		}
		if n, ok := field("apprise_urls"); ok {
			for _, line := range strings.Split(textOf(n), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					p.AppriseURLs = append(p.AppriseURLs, line)
				}
			}
		}
		if n, ok := field("email"); ok {
			p.Email = strings.TrimSpace(textOf(n))
		}
		pages = append(pages, p)
	}
	return pages, nil
}
