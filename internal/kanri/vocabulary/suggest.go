package vocabulary

import (
	"sort"
	"strings"
)

// Suggest returns up to limit candidates that look like term, for "did you
// mean" hints after an explicit role or domain failed exact lookup.
//
// Candidates sharing the first two characters come first, then candidates
// containing (or contained in) term, then the rest by closeness in length.
func Suggest(term string, candidates []string, limit int) []string {
	if limit <= 0 || len(candidates) == 0 {
		return nil
	}
	term = normalize(term)

	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	out := make([]string, 0, limit)
	seen := make(map[string]bool, limit)
	add := func(c string) bool {
		if seen[c] {
			return len(out) >= limit
		}
		seen[c] = true
		out = append(out, c)
		return len(out) >= limit
	}

	prefix := term
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	for _, c := range sorted {
		if prefix != "" && strings.HasPrefix(c, prefix) && add(c) {
			return out
		}
	}
	for _, c := range sorted {
		if term != "" && (strings.Contains(c, term) || strings.Contains(term, c)) && add(c) {
			return out
		}
	}

	byLength := append([]string(nil), sorted...)
	sort.SliceStable(byLength, func(i, j int) bool {
		return abs(len(byLength[i])-len(term)) < abs(len(byLength[j])-len(term))
	})
	for _, c := range byLength {
		if add(c) {
			return out
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
