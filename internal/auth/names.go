package auth

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const minDisplayNameRunes = 3

func isNameSeparator(r rune) bool { return r == ' ' || r == '　' }

func isNameLetter(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		r == 'ー' ||
		unicode.Is(unicode.Latin, r)
}

// ValidDisplayName reports whether name is a real-name entry of the form
// "family given": at least three runes after trimming, Japanese script or
// Latin letters only, with a half- or full-width space between the two parts.
func ValidDisplayName(name string) bool {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < minDisplayNameRunes {
		return false
	}
	i := strings.IndexFunc(name, isNameSeparator)
	if i <= 0 {
		return false
	}
	if strings.TrimFunc(name[i:], isNameSeparator) == "" {
		return false
	}
	for _, r := range name {
		if !isNameLetter(r) && !isNameSeparator(r) {
			return false
		}
	}
	return true
}

// NormalizeDisplayName trims surrounding whitespace from a submitted name.
func NormalizeDisplayName(name string) string {
	return strings.TrimSpace(name)
}
