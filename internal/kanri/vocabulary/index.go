// Package vocabulary holds the dynamically discovered set of roles and
// domains that free text is resolved against.
//
// The vocabulary is not known at build time: it is rebuilt from the
// discovery store on demand.  Each refresh produces a new immutable Snapshot
// that is swapped in atomically, so readers always observe either the
// previous complete snapshot or the next one, never a mix of both.
package vocabulary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSourceUnavailable is returned by Refresh when the discovery source
// cannot be reached.  The previous snapshot remains authoritative.
var ErrSourceUnavailable = errors.New("vocabulary: discovery source unavailable")

// DefaultPrefix is the discovery key prefix used when none is configured.
const DefaultPrefix = "/discovery/"

// Source lists every key/value pair beneath a prefix.
type Source interface {
	List(ctx context.Context, prefix string) ([]KeyValue, error)
}

// Entry is a vocabulary term with the number of hosts exhibiting it.
type Entry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Snapshot is an immutable view of the vocabulary at one point in time.
type Snapshot struct {
	roles   map[string]int
	domains map[string]int
	hosts   []Host
	builtAt time.Time
}

var emptySnapshot = &Snapshot{roles: map[string]int{}, domains: map[string]int{}}

// NewSnapshot builds a snapshot from already decomposed hosts.
func NewSnapshot(hosts []Host, builtAt time.Time) *Snapshot {
	s := &Snapshot{
		roles:   make(map[string]int),
		domains: make(map[string]int),
		hosts:   make([]Host, len(hosts)),
		builtAt: builtAt,
	}
	copy(s.hosts, hosts)
	for _, h := range hosts {
		s.roles[h.Role]++
		s.domains[h.Domain]++
	}
	return s
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ContainsRole reports whether name is exactly a known role.
func (s *Snapshot) ContainsRole(name string) bool {
	_, ok := s.roles[normalize(name)]
	return ok
}

// ContainsDomain reports whether name is exactly a known domain.
func (s *Snapshot) ContainsDomain(name string) bool {
	_, ok := s.domains[normalize(name)]
	return ok
}

// ListRoles returns all roles ordered by descending host count, ties broken
// by name.
func (s *Snapshot) ListRoles() []Entry { return sortedEntries(s.roles) }

// ListDomains returns all domains ordered by descending host count, ties
// broken by name.
func (s *Snapshot) ListDomains() []Entry { return sortedEntries(s.domains) }

// RoleNames returns the role names in ListRoles order.
func (s *Snapshot) RoleNames() []string { return names(s.ListRoles()) }

// DomainNames returns the domain names in ListDomains order.
func (s *Snapshot) DomainNames() []string { return names(s.ListDomains()) }

// Hosts returns the hosts matching role and domain.  An empty argument
// matches everything.
func (s *Snapshot) Hosts(role, domain string) []Host {
	role, domain = normalize(role), normalize(domain)
	var out []Host
	for _, h := range s.hosts {
		if role != "" && h.Role != role {
			continue
		}
		if domain != "" && h.Domain != domain {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Count returns the number of hosts matching role and domain.
func (s *Snapshot) Count(role, domain string) int {
	return len(s.Hosts(role, domain))
}

// RolesIn returns the roles present in domain with their per-domain host
// counts.  An empty domain yields the global role list.
func (s *Snapshot) RolesIn(domain string) []Entry {
	counts := make(map[string]int)
	for _, h := range s.Hosts("", domain) {
		counts[h.Role]++
	}
	return sortedEntries(counts)
}

// DomainsWith returns the domains hosting role with their per-role host
// counts.  An empty role yields the global domain list.
func (s *Snapshot) DomainsWith(role string) []Entry {
	counts := make(map[string]int)
	for _, h := range s.Hosts(role, "") {
		counts[h.Domain]++
	}
	return sortedEntries(counts)
}

// HostCount returns the total number of hosts in the snapshot.
func (s *Snapshot) HostCount() int { return len(s.hosts) }

// BuiltAt returns when the snapshot was built; zero for the empty snapshot.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

func sortedEntries(m map[string]int) []Entry {
	out := make([]Entry, 0, len(m))
	for name, count := range m {
		out = append(out, Entry{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

// Index owns the current Snapshot and rebuilds it from a Source.
// It is safe for concurrent use.
type Index struct {
	prefix string
	snap   atomic.Pointer[Snapshot]

	// refreshMu serialises refreshes so two concurrent triggers do not both
	// hit the discovery store.  Readers never take it.
	refreshMu sync.Mutex
}

// New returns an empty Index that refreshes from keys beneath prefix.
func New(prefix string) *Index {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	idx := &Index{prefix: prefix}
	idx.snap.Store(emptySnapshot)
	return idx
}

// Snapshot returns the current snapshot.  It is never nil.
func (i *Index) Snapshot() *Snapshot { return i.snap.Load() }

// Ready reports whether at least one refresh has succeeded.
func (i *Index) Ready() bool { return !i.Snapshot().builtAt.IsZero() }

// Stale reports whether the snapshot is older than ttl or was never built.
func (i *Index) Stale(ttl time.Duration) bool {
	built := i.Snapshot().builtAt
	return built.IsZero() || time.Since(built) >= ttl
}

// Refresh pulls every key from src and swaps in the rebuilt snapshot.
// On failure the previous snapshot is left in place and the returned error
// wraps ErrSourceUnavailable.
func (i *Index) Refresh(ctx context.Context, src Source) (*Snapshot, error) {
	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()

	kvs, err := src.List(ctx, i.prefix)
	if err != nil {
		slog.Warn("vocabulary refresh failed; keeping previous snapshot",
			"prefix", i.prefix, "err", err)
		return i.Snapshot(), fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	next := NewSnapshot(Decompose(kvs), time.Now())
	i.snap.Store(next)
	slog.Info("vocabulary refreshed",
		"keys", len(kvs), "hosts", next.HostCount(),
		"roles", len(next.roles), "domains", len(next.domains))
	return next, nil
}

// ContainsRole reports whether name is a role in the current snapshot.
func (i *Index) ContainsRole(name string) bool { return i.Snapshot().ContainsRole(name) }

// ContainsDomain reports whether name is a domain in the current snapshot.
func (i *Index) ContainsDomain(name string) bool { return i.Snapshot().ContainsDomain(name) }

// ListRoles lists the roles of the current snapshot.
func (i *Index) ListRoles() []Entry { return i.Snapshot().ListRoles() }

// ListDomains lists the domains of the current snapshot.
func (i *Index) ListDomains() []Entry { return i.Snapshot().ListDomains() }
