package sfs

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// toUTF8 converts s from the named character set to UTF-8. Bytes that cannot
// be represented are dropped rather than treated as an error.
func toUTF8(charset, s string) string {
	if isUTF8Name(charset) {
		return strings.ToValidUTF8(s, "")
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return strings.ToValidUTF8(s, "")
	}
	out, err := enc.NewDecoder().String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "")
	}
	return strings.ReplaceAll(out, string(utf8.RuneError), "")
}

func isUTF8Name(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}
