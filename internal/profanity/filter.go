// Package profanity decides whether a string contains blocked content.
// It rejects; it never censors. Normalization is grounded on
// golang.org/x/text/unicode/norm (a teacher dependency) plus
// microcosm-cc/bluemonday for markup stripping, the way
// leapmux-leapmux and webitel-im-delivery-service use bluemonday
// ahead of their own content pipelines. The homoglyph table is ported
// from original_source/backend/security/profanity.py.
package profanity

import (
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// spanFactor bounds how much longer a matched span can be than the
// blocklist term it matches, tighter for short terms to curb false
// positives on common short substrings.
func spanFactor(termLen int) float64 {
	switch {
	case termLen <= 3:
		return 1.3
	case termLen <= 6:
		return 1.5
	default:
		return 1.8
	}
}

// dictionary is an immutable snapshot of the blocklist, swapped
// atomically on rebuild so readers never observe a half-updated set.
type dictionary struct {
	terms     []string // lowercased, sorted longest-first
	whitelist map[string]bool
}

// Filter normalizes and matches text against a mutable blocklist.
// The zero value is not usable; build one with New.
type Filter struct {
	dict atomic.Pointer[dictionary]
}

var sanitizePolicy = bluemonday.StrictPolicy()

// New returns a Filter seeded with terms and whitelist entries.
func New(terms, whitelist []string) *Filter {
	f := &Filter{}
	f.Rebuild(terms, whitelist)
	return f
}

// Rebuild atomically replaces the active blocklist snapshot.
func (f *Filter) Rebuild(terms, whitelist []string) {
	d := &dictionary{
		whitelist: make(map[string]bool, len(whitelist)),
	}
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		norm := normalizeTerm(term)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		d.terms = append(d.terms, norm)
	}
	sortLongestFirst(d.terms)
	for _, w := range whitelist {
		d.whitelist[normalizeAlnum(w)] = true
	}
	f.dict.Store(d)
}

func normalizeTerm(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

func sortLongestFirst(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && len(s[j-1]) < len(s[j]); j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Contains reports whether text matches a blocked term, after
// normalization, unless the entire input normalizes to a whitelisted
// token.
func (f *Filter) Contains(text string) bool {
	d := f.dict.Load()
	if d == nil || len(d.terms) == 0 {
		return false
	}

	spacePreserving := normalize(text, true)
	alnum := stripNonAlnum(spacePreserving)

	if d.whitelist[alnum] {
		return false
	}

	for _, term := range d.terms {
		if matchSpan(alnum, term, spanFactor(len(term))) {
			return true
		}
	}
	return false
}

// Normalize exposes the C2 normalization pipeline (markup strip, NFKC,
// zero-width drop, homoglyph fold, lowercase) for reuse by the spam
// monitor's exact/fuzzy repeat detection (spec.md §4.3), which needs
// the same "normalized_text" the profanity matcher computes rather
// than a second ad hoc normalization.
func Normalize(text string) string {
	return normalize(text, true)
}

// normalize runs the C2 pipeline: strip markup, Unicode NFKC, drop
// zero-width marks, fold homoglyphs to canonical Latin/Cyrillic.
func normalize(text string, preserveSpaces bool) string {
	stripped := sanitizePolicy.Sanitize(text)
	nfkc := norm.NFKC.String(stripped)

	var b strings.Builder
	b.Grow(len(nfkc))
	for _, r := range nfkc {
		if isZeroWidth(r) {
			continue
		}
		if folded, ok := homoglyphs[r]; ok {
			b.WriteRune(folded)
			continue
		}
		if unicode.IsSpace(r) {
			if preserveSpaces {
				b.WriteRune(' ')
			}
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func normalizeAlnum(s string) string {
	return stripNonAlnum(normalize(s, true))
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isZeroWidth(r rune) bool {
	switch r {
	case '​', '‌', '‍', '﻿', '⁠':
		return true
	}
	return false
}

// matchSpan looks for term as a substring or subsequence within s,
// bounded so the matched span can't exceed factor*len(term).
func matchSpan(s, term string, factor float64) bool {
	if term == "" {
		return false
	}
	maxSpan := int(float64(len(term))*factor) + 1
	if containsSubstring(s, term) {
		return true
	}
	return containsSubsequenceWithinSpan(s, term, maxSpan)
}

func containsSubstring(s, term string) bool {
	return strings.Contains(s, term)
}

// containsSubsequenceWithinSpan reports whether term appears as a
// (possibly non-contiguous) subsequence of s within some window of at
// most maxSpan runes, catching interleaved noise characters between
// blocked letters.
func containsSubsequenceWithinSpan(s, term string, maxSpan int) bool {
	sRunes := []rune(s)
	termRunes := []rune(term)
	for start := 0; start < len(sRunes); start++ {
		ti := 0
		end := start
		for i := start; i < len(sRunes) && i-start < maxSpan; i++ {
			if sRunes[i] == termRunes[ti] {
				ti++
				end = i
				if ti == len(termRunes) {
					break
				}
			}
		}
		if ti == len(termRunes) && end-start+1 <= maxSpan {
			return true
		}
	}
	return false
}
