package model

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxSlugLen bounds the entity/action part of an event key.
const maxSlugLen = 80

// letters that do not decompose under NFD.
var foldReplacer = strings.NewReplacer(
	"ø", "o", "Ø", "o",
	"æ", "ae", "Æ", "ae",
	"œ", "oe", "Œ", "oe",
	"ß", "ss",
	"ł", "l", "Ł", "l",
	"đ", "d", "Đ", "d",
	"þ", "th", "Þ", "th",
	"&", " and ",
)

// Fold lowercases s and strips diacritics so "Møller" and "Moller" compare equal.
func Fold(s string) string {
	s = foldReplacer.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Slug folds and hyphenates parts into a lowercase ASCII identifier.
func Slug(parts ...string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range Fold(strings.Join(parts, " ")) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// EventKey builds the natural idempotency key for an event from its principal
// entities, the action, and the run date. Words with no ASCII transliteration
// (Cyrillic, CJK, ...) are replaced by a short stable hash so distinct
// entities keep distinct keys.
func EventKey(entities []string, action string, date time.Time) string {
	parts := append(append([]string{}, entities...), action)
	slug := keySlug(parts...)
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		if i := strings.LastIndexByte(slug, '-'); i > 0 {
			slug = slug[:i]
		}
	}
	if slug == "" {
		slug = "event"
	}
	return slug + "-" + date.Format(time.DateOnly)
}

// keySlug is Slug with a hashed stand-in for words Slug would drop.
func keySlug(parts ...string) string {
	words := strings.FieldsFunc(Fold(strings.Join(parts, " ")), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if isSlugWord(w) {
			out = append(out, w)
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		out = append(out, fmt.Sprintf("%08x", h.Sum32()))
	}
	return strings.Join(out, "-")
}

func isSlugWord(w string) bool {
	for _, r := range w {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// stopTokens are too common to identify an entity.
var stopTokens = map[string]bool{
	"the": true, "and": true, "for": true, "from": true, "with": true,
	"inc": true, "ltd": true, "llc": true, "plc": true, "group": true,
	"holding": true, "holdings": true, "family": true, "company": true,
	"corp": true, "corporation": true, "sells": true, "sale": true,
	"buys": true, "acquires": true, "million": true, "billion": true,
}

// SignificantTokens returns the folded tokens of s longer than two characters
// that are not stop words.
func SignificantTokens(s string) []string {
	fields := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) <= 2 || stopTokens[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func normalizeWord(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), `"'.,;:`)
}
