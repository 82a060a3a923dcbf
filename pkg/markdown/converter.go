package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphRe = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	codeBlockRe = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	tagRe       = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?>`)
	newlinesRe  = regexp.MustCompile(`\n{3,}`)
)

// tags a chat client renders; everything else is stripped
var supportedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true, "del": true,
	"code": true, "pre": true, "a": true, "br": true,
}

// ToChatHTML converts a bot reply written in markdown to the restricted HTML
// subset chat clients display. Raw HTML in the input is escaped.
func ToChatHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
			Flags: blackfriday.SkipHTML,
		})),
	))

	return cleanHTML(html)
}

func cleanHTML(html string) string {
	html = paragraphRe.ReplaceAllString(html, "$1\n")

	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	html = codeBlockRe.ReplaceAllString(html, "<pre>$1</pre>")

	html = strings.ReplaceAll(html, "<li>", "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")

	html = tagRe.ReplaceAllStringFunc(html, func(match string) string {
		if m := tagRe.FindStringSubmatch(match); len(m) > 1 && supportedTags[strings.ToLower(m[1])] {
			return match
		}
		return ""
	})

	html = newlinesRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
