// Package tgui holds the small text-safety helpers for Telegram
// ParseMode="HTML" messages: escaping, bold spans, user mentions and the
// callback_data length limit.
package tgui

import (
	"fmt"
	"html"
	"strconv"
	"unicode/utf8"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// H is HTML that is safe to pass to Telegram when ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// B renders an escaped bold span.
func B(s string) H { return "<b>" + Esc(s) + "</b>" }

// Mention links the name to the member so clients render a tappable
// mention. Works for members without a public username.
func Mention(name string, memberID int64) H {
	return H(fmt.Sprintf(`<a href="tg://user?id=%s">%s</a>`,
		strconv.FormatInt(memberID, 10), html.EscapeString(name)))
}

// TruncRunes returns s truncated to at most n runes, with an ellipsis
// when something was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}
