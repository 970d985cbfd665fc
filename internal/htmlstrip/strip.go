// Package htmlstrip converts HTML body content to plain text.
package htmlstrip

import (
	"strings"

	"golang.org/x/net/html"
)

// skipElements are elements whose text content is discarded entirely.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
}

// breakElements are elements rendered as line breaks in the text output.
var breakElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "section": true,
	"article": true, "header": true, "footer": true,
}

// Strip tokenizes HTML and returns the visible text. Block-level boundaries
// and <br> become newlines; script/style content is dropped; consecutive
// whitespace collapses.
func Strip(content string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(content))

	var b strings.Builder
	skipDepth := 0
	pendingBreak := false

	writeBreak := func() {
		if b.Len() > 0 {
			pendingBreak = true
		}
	}

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipElements[tag] {
				skipDepth++
			}
			if tag == "br" || breakElements[tag] {
				writeBreak()
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipElements[tag] && skipDepth > 0 {
				skipDepth--
			}
			if breakElements[tag] {
				writeBreak()
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			if pendingBreak {
				b.WriteByte('\n')
				pendingBreak = false
			} else if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strings.Join(strings.Fields(text), " "))
		}
	}
}
