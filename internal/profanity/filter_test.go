package profanity

import (
	"strings"
	"testing"
)

func TestContainsExactMatch(t *testing.T) {
	f := New([]string{"badword"}, nil)
	if !f.Contains("this is a badword here") {
		t.Fatal("expected match on exact substring")
	}
	if f.Contains("this is clean text") {
		t.Fatal("unexpected match on clean text")
	}
}

func TestContainsWhitelistCarveout(t *testing.T) {
	f := New([]string{"ass"}, []string{"class assignment"})
	if f.Contains("class assignment") {
		t.Fatal("whitelisted phrase should not match")
	}
	if !f.Contains("you are an ass") {
		t.Fatal("expected match outside whitelist carveout")
	}
}

func TestContainsHomoglyphFold(t *testing.T) {
	f := New([]string{"bad"}, nil)
	if !f.Contains("bаd") { // Cyrillic а folds to a
		t.Fatal("expected homoglyph-folded match")
	}
}

func TestContainsLeetZero(t *testing.T) {
	f := New([]string{"loot"}, nil)
	if !f.Contains("l0ot") {
		t.Fatal("expected '0' to fold to 'o'")
	}
}

func TestContainsEmptyDictionary(t *testing.T) {
	f := New(nil, nil)
	if f.Contains("anything at all") {
		t.Fatal("empty dictionary should never match")
	}
}

func TestRebuildReplacesSnapshot(t *testing.T) {
	f := New([]string{"alpha"}, nil)
	if !f.Contains("alpha test") {
		t.Fatal("expected initial term to match")
	}
	f.Rebuild([]string{"beta"}, nil)
	if f.Contains("alpha test") {
		t.Fatal("old term should no longer match after rebuild")
	}
	if !f.Contains("beta test") {
		t.Fatal("expected new term to match after rebuild")
	}
}

func TestMatchSpanRejectsDistantSubsequence(t *testing.T) {
	f := New([]string{"cat"}, nil)
	// Letter filler survives the alphanumeric projection; punctuation would be stripped.
	filler := strings.Repeat("x", 28)
	if f.Contains("c" + filler + "a" + filler + "t") {
		t.Fatal("subsequence spread far beyond the span factor must not match")
	}
}

func TestNormalizeStripsZeroWidthAndMarkup(t *testing.T) {
	got := Normalize("<b>hi​there</b>")
	if got != "hithere" {
		t.Fatalf("Normalize() = %q, want %q", got, "hithere")
	}
}
