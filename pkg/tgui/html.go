// Package tgui provides small helpers for composing Telegram HTML
// messages: escaping, inline formatting and line assembly. Values of
// type H are treated as already-escaped.
package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML that is safe to pass to Telegram with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Each message chunk sent to Telegram
// must have balanced tags, so keep Pre content short.
func Pre(s string) H {
	return H("<pre><code>" + html.EscapeString(s) + "</code></pre>")
}

// Link builds an HTML link; both text and URL are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Lines joins safe HTML parts with newlines, skipping blank parts.
func Lines(parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, "\n"))
}

// Hf formats with fmt.Sprintf, escaping every argument but not the
// format string itself. The format string may carry markup.
func Hf(format string, args ...any) H {
	esc := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			esc[i] = html.EscapeString(s)
		} else if h, ok := a.(H); ok {
			esc[i] = h.String()
		} else {
			esc[i] = a
		}
	}
	return H(fmt.Sprintf(format, esc...))
}
