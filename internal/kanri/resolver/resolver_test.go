package resolver_test

import (
	"reflect"
	"testing"

	"github.com/bdobrica/Kanri/internal/kanri/resolver"
)

type fakeVocab struct {
	roles   map[string]bool
	domains map[string]bool
}

func (v fakeVocab) ContainsRole(name string) bool   { return v.roles[name] }
func (v fakeVocab) ContainsDomain(name string) bool { return v.domains[name] }

func vocab(roles, domains []string) fakeVocab {
	v := fakeVocab{roles: map[string]bool{}, domains: map[string]bool{}}
	for _, r := range roles {
		v.roles[r] = true
	}
	for _, d := range domains {
		v.domains[d] = true
	}
	return v
}

func TestResolve(t *testing.T) {
	v := vocab([]string{"mim", "ts", "mphpp", "www5"}, []string{"lolxp", "bnxp"})

	tests := []struct {
		name string
		text string
		want resolver.Filter
	}{
		{"role and domain", "mim for lolxp", resolver.Filter{Role: "mim", Domain: "lolxp"}},
		{"role only", "mim servers", resolver.Filter{Role: "mim"}},
		{"domain only", "create inventory in bnxp", resolver.Filter{Domain: "bnxp"}},
		{"exact match only", "mimmem", resolver.Filter{}},
		{"explicit role overrides all", "all ts servers", resolver.Filter{Role: "ts"}},
		{"wants all", "sync everything", resolver.Filter{WantsAll: true}},
		{"full keyword", "run a FULL sync", resolver.Filter{WantsAll: true}},
		{"earliest role wins", "ts and mim in lolxp", resolver.Filter{Role: "ts", Domain: "lolxp"}},
		{"earliest domain wins", "mphpp bnxp lolxp", resolver.Filter{Role: "mphpp", Domain: "bnxp"}},
		{"case and whitespace", "  MIM   For   LOLXP  ", resolver.Filter{Role: "mim", Domain: "lolxp"}},
		{"punctuation", "how many mim in lolxp?", resolver.Filter{Role: "mim", Domain: "lolxp"}},
		{"no digit stripping", "www servers", resolver.Filter{}},
		{"trailing digits kept", "www5 servers", resolver.Filter{Role: "www5"}},
		{"nothing recognised", "hello there", resolver.Filter{}},
		{"empty", "", resolver.Filter{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolver.Resolve(tt.text, v)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
			if got.WantsAll && (got.Role != "" || got.Domain != "") {
				t.Errorf("Resolve(%q) set WantsAll together with a filter: %+v", tt.text, got)
			}
		})
	}
}

// Any sentence carrying exactly one role token and no domain token resolves
// to that role alone.
func TestResolve_SingleRoleProperty(t *testing.T) {
	v := vocab([]string{"mim", "ts", "mphpp"}, []string{"lolxp"})
	fillers := []string{"show", "me", "the", "servers", "please", "all", "for", "of"}

	for _, role := range []string{"mim", "ts", "mphpp"} {
		for i := range fillers {
			words := append([]string{}, fillers[:i]...)
			words = append(words, role)
			words = append(words, fillers[i:]...)
			text := ""
			for _, w := range words {
				text += w + " "
			}
			got := resolver.Resolve(text, v)
			want := resolver.Filter{Role: role}
			if got != want {
				t.Errorf("Resolve(%q) = %+v, want %+v", text, got, want)
			}
		}
	}
}

func TestTokenize(t *testing.T) {
	got := resolver.Tokenize("Count of MIM, in lolxp!")
	want := []string{"count", "mim", "lolxp"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestFilter_String(t *testing.T) {
	tests := []struct {
		f    resolver.Filter
		want string
	}{
		{resolver.Filter{WantsAll: true}, "all hosts"},
		{resolver.Filter{}, "no filter"},
		{resolver.Filter{Role: "mim", Domain: "lolxp"}, "role=mim domain=lolxp"},
		{resolver.Filter{Domain: "lolxp"}, "domain=lolxp"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.f, got, tt.want)
		}
	}
}
