package awx

import "strings"

// Groups derives the inventory groups a host belongs to from its name.
// customer is the host's domain and yields "customer-<domain>" when set.
func Groups(hostname, customer string) []string {
	h := strings.ToLower(hostname)
	var groups []string
	add := func(cond bool, name string) {
		if cond {
			groups = append(groups, name)
		}
	}

	add(customer != "", "customer-"+customer)

	gen := strings.Contains(h, "gen-comp")
	sriov := strings.Contains(h, "sriov-comp")
	add(gen, "gen-comp")
	add(sriov, "sriov-comp")
	add(strings.HasPrefix(h, "etcd"), "etcd")
	add(strings.Contains(h, "mphpp"), "mphpp")

	add(strings.Contains(h, "-bos-") || strings.HasSuffix(h, "-bos.vivox.com"), "location-bos")
	add(strings.Contains(h, "-chn-"), "location-chn")

	add(strings.HasPrefix(h, "os1-"), "cluster-os1")
	add(strings.HasPrefix(h, "os2-"), "cluster-os2")
	add(strings.HasPrefix(h, "os-chn-"), "cluster-os-chn")

	os1 := strings.Contains(h, "os1-")
	os2 := strings.Contains(h, "os2-")
	chn := strings.Contains(h, "os-chn-")
	add(os1 && sriov, "os1-sriov")
	add(os1 && gen, "os1-gen")
	add(os2 && sriov, "os2-sriov")
	add(os2 && gen, "os2-gen")
	add(chn && sriov, "chn-sriov")
	add(chn && gen, "chn-gen")

	return groups
}
