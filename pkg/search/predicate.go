// Package search decides whether a fetched page contains the search term.
package search

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// Contains reports whether body contains query after lowercasing both.
// Lowercasing is not full case folding: "ss" does not match "ß".
// A nil body means the page could not be fetched and never matches.
// Matching is plain substring: "art" matches "start".
func Contains(body []byte, query string) bool {
	if body == nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(body)), strings.ToLower(query))
}

// Matcher applies one query to many pages with a fixed search scope.
// It is safe for concurrent use.
type Matcher struct {
	query string
	scope string
}

// NewMatcher validates query and scope. scope is config.SearchScopeHTML (default) or config.SearchScopeText.
func NewMatcher(query, scope string) (*Matcher, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", utils.ErrInvalidRequest)
	}
	switch scope {
	case "":
		scope = config.SearchScopeHTML
	case config.SearchScopeHTML, config.SearchScopeText:
	default:
		return nil, fmt.Errorf("%w: unknown search scope %q", utils.ErrInvalidRequest, scope)
	}
	return &Matcher{query: strings.ToLower(query), scope: scope}, nil
}

// Query returns the lowercased query
func (m *Matcher) Query() string { return m.query }

// Scope returns the configured search scope
func (m *Matcher) Scope() string { return m.scope }

// Match reports whether the page body contains the query
func (m *Matcher) Match(body []byte) bool {
	if body == nil {
		return false
	}
	if m.scope == config.SearchScopeText {
		text, err := VisibleText(body)
		if err != nil {
			// Unparseable markup: fall back to the raw body
			return Contains(body, m.query)
		}
		return strings.Contains(strings.ToLower(text), m.query)
	}
	return Contains(body, m.query)
}

// VisibleText returns the human-readable text of an HTML document with whitespace collapsed.
// Scripts, styles and other non-rendered elements are dropped.
func VisibleText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: HTML: %w", utils.ErrParsing, err)
	}
	doc.Find("script, style, noscript, template, svg, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}
