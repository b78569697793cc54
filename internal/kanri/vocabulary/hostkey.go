package vocabulary

import (
	"regexp"
	"sort"
	"strings"
)

// IP-bearing key types published by the discovery agents.
const (
	KeyPrivateIP   = "viv_privip"
	KeyPublicIP    = "viv_pubip"
	KeyIPAddresses = "viv_ipaddresses"
)

// hostnamePattern matches <role>-<domain>-<digits>-<index>[-<tag>].<suffix>.
var hostnamePattern = regexp.MustCompile(`^([a-z0-9]+)-([a-z0-9]+)-([0-9]+)-([0-9]+)(?:-[a-z0-9-]+)?\.[a-z0-9.-]+$`)

// KeyValue is a single entry returned by a discovery source.
type KeyValue struct {
	Key   string
	Value string
}

// Host is one machine decomposed from its discovery keys.
type Host struct {
	Hostname  string
	Role      string
	Domain    string
	PrivateIP string
	PublicIP  string
	AllIPs    string
}

// Address returns the address Ansible should connect to: the private IP when
// known, otherwise the public one.
func (h Host) Address() string {
	if h.PrivateIP != "" {
		return h.PrivateIP
	}
	return h.PublicIP
}

// ParseHostname splits a hostname into its role and domain segments.
// The role keeps any trailing digits: "www5" and "www" are distinct roles.
func ParseHostname(hostname string) (role, domain string, ok bool) {
	m := hostnamePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(hostname)))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Decompose groups discovery keys by hostname and returns one Host per
// hostname matching the naming pattern, sorted by hostname.
//
// Keys follow /<prefix>/<domain>/<role>/<hostname>/<key_type>; the hostname
// is always the second-to-last path segment.
func Decompose(kvs []KeyValue) []Host {
	byName := make(map[string]*Host)
	for _, kv := range kvs {
		parts := strings.Split(strings.Trim(kv.Key, "/"), "/")
		if len(parts) < 3 {
			continue
		}
		keyType := parts[len(parts)-1]
		hostname := strings.ToLower(parts[len(parts)-2])
		if strings.HasPrefix(hostname, "viv_") || strings.HasPrefix(hostname, "version_") {
			continue
		}
		role, domain, ok := ParseHostname(hostname)
		if !ok {
			continue
		}

		h, seen := byName[hostname]
		if !seen {
			h = &Host{Hostname: hostname, Role: role, Domain: domain}
			byName[hostname] = h
		}

		value := cleanAddress(kv.Value)
		switch keyType {
		case KeyPrivateIP:
			h.PrivateIP = value
		case KeyPublicIP:
			h.PublicIP = value
		case KeyIPAddresses:
			h.AllIPs = value
		}
	}

	hosts := make([]Host, 0, len(byName))
	for _, h := range byName {
		hosts = append(hosts, *h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Hostname < hosts[j].Hostname })
	return hosts
}

// cleanAddress drops placeholder values some agents publish instead of an IP.
func cleanAddress(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "", "None", "127.0.0.1":
		return ""
	}
	return v
}
