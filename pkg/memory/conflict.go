package memory

import (
	"strings"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

const conflictKeyCacheSize = 2048

// ConflictKeyTable maps fact content to the slot it occupies. Rules are
// evaluated in order and the first matching prefix wins.
type ConflictKeyTable struct {
	rules []ConflictKeyRule
	cache *lru.Cache[string, string]
}

func NewConflictKeyTable(rules []ConflictKeyRule) *ConflictKeyTable {
	normalized := make([]ConflictKeyRule, 0, len(rules))
	for _, r := range rules {
		normalized = append(normalized, ConflictKeyRule{
			Prefix: normalizeFactText(r.Prefix),
			Key:    strings.TrimSpace(r.Key),
		})
	}
	cache, _ := lru.New[string, string](conflictKeyCacheSize)
	return &ConflictKeyTable{rules: normalized, cache: cache}
}

// Rules returns the normalized rules in evaluation order.
func (t *ConflictKeyTable) Rules() []ConflictKeyRule {
	out := make([]ConflictKeyRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Infer returns the conflict key for content, or "" when no rule matches.
func (t *ConflictKeyTable) Infer(content string) string {
	norm := normalizeFactText(content)
	if norm == "" {
		return ""
	}
	if key, ok := t.cache.Get(norm); ok {
		return key
	}
	key := ""
	for _, r := range t.rules {
		if hasWordPrefix(norm, r.Prefix) {
			key = r.Key
			break
		}
	}
	t.cache.Add(norm, key)
	return key
}

// hasWordPrefix matches prefix at the start of s without splitting a word
// when the prefix itself ends in a letter or digit.
func hasWordPrefix(s, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(s, prefix) {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(prefix)
	if !isWordRune(last) || len(s) == len(prefix) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(s[len(prefix):])
	return !isWordRune(next)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// normalizeFactText lowercases and collapses whitespace.
func normalizeFactText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
