// Package resolver turns free text into a structured role/domain filter
// using exact matches against the discovered vocabulary.
package resolver

import (
	"strings"
)

// Vocabulary is the membership test the resolver needs.  Both
// *vocabulary.Index and *vocabulary.Snapshot satisfy it.
type Vocabulary interface {
	ContainsRole(name string) bool
	ContainsDomain(name string) bool
}

// Filter is the outcome of resolving a sentence.
//
// WantsAll implies Role and Domain are empty.  A Filter with every field
// empty is ambiguous; callers must decide what to do with it.
type Filter struct {
	Role     string `json:"role,omitempty"`
	Domain   string `json:"domain,omitempty"`
	WantsAll bool   `json:"wants_all"`
}

// Empty reports whether nothing was recognised.
func (f Filter) Empty() bool {
	return f.Role == "" && f.Domain == "" && !f.WantsAll
}

// String renders the filter for logs and user messages.
func (f Filter) String() string {
	switch {
	case f.WantsAll:
		return "all hosts"
	case f.Empty():
		return "no filter"
	}
	parts := make([]string, 0, 2)
	if f.Role != "" {
		parts = append(parts, "role="+f.Role)
	}
	if f.Domain != "" {
		parts = append(parts, "domain="+f.Domain)
	}
	return strings.Join(parts, " ")
}

var (
	conjunctions = map[string]bool{"for": true, "in": true, "of": true}
	allKeywords  = map[string]bool{"all": true, "everything": true, "full": true}
)

// Tokenize lowercases text, collapses whitespace, strips surrounding
// punctuation and drops the conjunctions "for", "in" and "of".
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `,.?!:;'"()`)
		if f == "" || conjunctions[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// Resolve extracts a Filter from text.
//
// Each token is tried as a role first, then as a domain; the earliest token
// of each kind wins.  An explicit role or domain overrides a wants-all
// keyword, so "all ts servers" resolves to role=ts with WantsAll false.
// Unrecognised tokens are dropped; Resolve never fails.
func Resolve(text string, vocab Vocabulary) Filter {
	var f Filter
	sawAll := false

	for _, tok := range Tokenize(text) {
		if allKeywords[tok] {
			sawAll = true
			continue
		}
		switch {
		case f.Role == "" && vocab.ContainsRole(tok):
			f.Role = tok
		case f.Domain == "" && vocab.ContainsDomain(tok):
			f.Domain = tok
		}
	}

	if sawAll && f.Role == "" && f.Domain == "" {
		f.WantsAll = true
	}
	return f
}
