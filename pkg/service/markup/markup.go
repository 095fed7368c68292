package markup

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/tally-app/tally/pkg/domain/interfaces"
)

// Renderer converts lightweight comment markup into safe HTML. Input is
// HTML-escaped first, then inline rules are applied, so user text can never
// inject markup.
type Renderer struct{}

var _ interfaces.Renderer = &Renderer{}

func New() *Renderer {
	return &Renderer{}
}

var (
	fenceRe  = regexp.MustCompile("(?s)```\n?(.*?)```")
	codeRe   = regexp.MustCompile("`([^`\n]+)`")
	boldRe   = regexp.MustCompile(`\*([^\s*](?:[^*\n]*[^\s*])?)\*`)
	italicRe = regexp.MustCompile(`\b_([^\s_](?:[^_\n]*[^\s_])?)_\b`)
	strikeRe = regexp.MustCompile(`~([^\s~](?:[^~\n]*[^\s~])?)~`)
	linkRe   = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// Render applies the markup rules. Code spans are extracted before inline
// rules run so their contents stay literal.
func (r *Renderer) Render(text string) string {
	escaped := html.EscapeString(text)

	var blocks []string
	stash := func(rendered string) string {
		blocks = append(blocks, rendered)
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	}

	escaped = fenceRe.ReplaceAllStringFunc(escaped, func(m string) string {
		inner := fenceRe.FindStringSubmatch(m)[1]
		return stash("<pre>" + strings.TrimSuffix(inner, "\n") + "</pre>")
	})
	escaped = codeRe.ReplaceAllStringFunc(escaped, func(m string) string {
		inner := codeRe.FindStringSubmatch(m)[1]
		return stash("<code>" + inner + "</code>")
	})

	escaped = linkRe.ReplaceAllStringFunc(escaped, func(m string) string {
		return stash(fmt.Sprintf(`<a href="%s" target="_blank" rel="noreferrer noopener">%s</a>`, m, m))
	})
	escaped = boldRe.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = italicRe.ReplaceAllString(escaped, "<em>$1</em>")
	escaped = strikeRe.ReplaceAllString(escaped, "<del>$1</del>")
	escaped = strings.ReplaceAll(escaped, "\n", "<br />")

	for i := len(blocks) - 1; i >= 0; i-- {
		escaped = strings.Replace(escaped, fmt.Sprintf("\x00%d\x00", i), blocks[i], 1)
	}

	return escaped
}
