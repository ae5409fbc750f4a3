package ws

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// newTextPolicy allows the small inline markup set chat text may carry; everything else is stripped.
func newTextPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "cite", "code", "em", "i", "s", "strike", "strong")
	p.AllowAttrs("title").OnElements("abbr", "acronym")
	p.AllowAttrs("cite").OnElements("blockquote", "q")
	p.AllowAttrs("datetime").OnElements("del")
	p.AllowElements("abbr", "acronym", "blockquote", "q", "del")
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	return p
}

func sanitize(p *bluemonday.Policy, text string) string {
	return strings.TrimSpace(p.Sanitize(text))
}
