// Package tgui builds message text for Telegram's HTML parse mode.
// Every helper escapes its input; only values of type H are trusted.
package tgui

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// ParseMode is the Telegram parse mode matching H.
const ParseMode = "HTML"

// H is HTML that is safe to send with ParseMode.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

// Escf formats and then escapes.
func Escf(format string, args ...any) H { return Esc(fmt.Sprintf(format, args...)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Concat joins parts without a separator.
func Concat(parts ...H) H {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(string(p))
	}
	return H(b.String())
}

// Join joins non-blank parts with sep (escaped).
func Join(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return H(strings.Join(ss, html.EscapeString(sep)))
}

// Lines accumulates a multi-line message.
type Lines struct {
	lines []string
}

// Add appends one line made of parts.
func (l *Lines) Add(parts ...H) *Lines {
	l.lines = append(l.lines, string(Concat(parts...)))
	return l
}

// Bullet appends "• " followed by parts.
func (l *Lines) Bullet(parts ...H) *Lines {
	return l.Add(append([]H{"• "}, parts...)...)
}

func (l *Lines) Blank() *Lines {
	l.lines = append(l.lines, "")
	return l
}

func (l *Lines) Len() int { return len(l.lines) }

func (l *Lines) H() H { return H(strings.Join(l.lines, "\n")) }

// TruncRunes cuts s to at most n runes, ending in "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n-1]) + "…"
}
