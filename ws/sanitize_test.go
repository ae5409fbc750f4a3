package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	p := newTextPolicy()

	assert.Equal(t, "hello <b>world</b>", sanitize(p, "  hello <b>world</b> "))
	assert.Equal(t, "hi", sanitize(p, `<script>alert(1)</script>hi`))
	assert.Equal(t, "x", sanitize(p, `<div onclick="x()">x</div>`))
	assert.Equal(t, "", sanitize(p, "<p> </p>"))
	assert.Contains(t, sanitize(p, `<a href="https://example.com" onclick="y()">l</a>`), `href="https://example.com"`)
	assert.NotContains(t, sanitize(p, `<a href="javascript:alert(1)">l</a>`), "javascript")
}
