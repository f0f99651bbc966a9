package util

import (
	"regexp"
	"strings"
)

var (
	phoneStrip   = regexp.MustCompile(`[^\d+]+`)
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
)

// NormalizePhone strips everything but digits and '+' and makes sure the
// result starts with '+'. It does not validate.
func NormalizePhone(raw string) string {
	s := phoneStrip.ReplaceAllString(strings.TrimSpace(raw), "")
	if s != "" && !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s
}

// ValidPhone reports whether s is an international number like +14155550100.
func ValidPhone(s string) bool {
	return phonePattern.MatchString(s)
}

// CleanResult holds the outcome of CleanRecipients.
type CleanResult struct {
	Recipients []string
	Invalid    int
	Duplicates int
}

// CleanRecipients normalizes and validates a raw recipient list. Invalid
// entries are dropped, duplicates keep their first occurrence.
func CleanRecipients(raw []string) CleanResult {
	res := CleanResult{Recipients: make([]string, 0, len(raw))}
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		p := NormalizePhone(r)
		if !ValidPhone(p) {
			res.Invalid++
			continue
		}
		if _, ok := seen[p]; ok {
			res.Duplicates++
			continue
		}
		seen[p] = struct{}{}
		res.Recipients = append(res.Recipients, p)
	}
	return res
}
