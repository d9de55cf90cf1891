package completion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CleanReply normalizes a generated reply before it is spoken.
// It collapses whitespace, drops a leading '?' and a leading echo of the
// question, and upper-cases the first letter.
func CleanReply(reply, question string) string {
	text := collapseSpaces(reply)
	text = strings.TrimSpace(strings.TrimLeft(text, "?"))

	q := collapseSpaces(question)
	if q != "" && len(text) >= len(q) && strings.EqualFold(text[:len(q)], q) {
		text = strings.TrimSpace(text[len(q):])
		text = strings.TrimSpace(strings.TrimLeft(text, "?"))
	}

	return capitalize(text)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
