package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToChatHTML(t *testing.T) {
	assert.Equal(t, "", ToChatHTML("   "))
	assert.Equal(t, "hello <b>world</b> and <i>you</i>", ToChatHTML("hello **world** and *you*"))
	assert.Equal(t, "use <code>go test</code>", ToChatHTML("use `go test`"))

	list := ToChatHTML("- one\n- two\n")
	assert.Contains(t, list, "• one")
	assert.Contains(t, list, "• two")
	assert.NotContains(t, list, "<ul>")
}

func TestToChatHTMLDropsRawHTML(t *testing.T) {
	out := ToChatHTML("hi <script>alert(1)</script> there")
	assert.NotContains(t, out, "<script>")
}
