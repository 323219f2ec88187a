package wikidot

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Contact is a user who added the logged-in account to their contacts,
// together with the email address they share with it.
type Contact struct {
	UserID   int64
	Username string
	Email    string
}

// GetContacts returns the back contacts of the logged-in account.
func (c *Client) GetContacts(ctx context.Context) ([]Contact, error) {
	body, err := c.Ajax(ctx, c.baseURL, url.Values{
		"moduleName": {"dashboard/messages/DMContactsModule"},
	})
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	contacts, err := parseContacts(body)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	c.logger.Info("retrieved back contacts", "count", len(contacts))
	return contacts, nil
}

// parseContacts reads the table that follows the back-contacts heading.
// The heading is absent when nobody has added the account.
func parseContacts(body string) ([]Contact, error) {
	doc, err := parseFragment(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	heading := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.H2 })
	if heading == nil {
		return nil, nil
	}
	var table *html.Node
	for s := heading.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && HasClass(s, "contact-list-table") {
			table = s
			break
		}
	}
	if table == nil {
		return nil, nil
	}

	var contacts []Contact
	for _, row := range findAll(table, func(n *html.Node) bool { return n.DataAtom == atom.Tr }) {
		cells := findAll(row, func(n *html.Node) bool { return n.DataAtom == atom.Td })
		if len(cells) < 2 {
			continue
		}
		span := findFirst(cells[0], byClass(atom.Span, "printuser"))
		if span == nil {
			continue
		}
		u, ok := ParsePrintUser(span)
		if !ok || u.ID == 0 {
			continue
		}
		contacts = append(contacts, Contact{
			UserID:   u.ID,
			Username: u.Name,
			Email:    strings.TrimSpace(textOf(cells[1])),
		})
	}
	return contacts, nil
}
