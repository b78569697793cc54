package awx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// DefaultSyncTimeout bounds one Sync call.
const DefaultSyncTimeout = 5 * time.Minute

// SyncResult summarises one Sync.
type SyncResult struct {
	InventoryID   int            `json:"inventory_id"`
	InventoryName string         `json:"inventory_name"`
	Created       bool           `json:"created"`
	HostCount     int            `json:"host_count"`
	HostsChanged  int            `json:"hosts_changed"`
	GroupCount    int            `json:"group_count"`
	GroupMembers  map[string]int `json:"group_members"`
	SkippedNoAddr int            `json:"skipped_no_address"`
	Duration      time.Duration  `json:"duration"`
}

// Syncer copies discovered hosts into AWX inventories.
type Syncer struct {
	client  *Client
	timeout time.Duration
}

// NewSyncer returns a syncer.  timeout <= 0 selects DefaultSyncTimeout.
func NewSyncer(client *Client, timeout time.Duration) *Syncer {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	return &Syncer{client: client, timeout: timeout}
}

// Client returns the underlying AWX client.
func (s *Syncer) Client() *Client { return s.client }

// Sync makes the named inventory contain hosts, with their variables and
// derived groups.  It is idempotent: running it twice with the same input
// changes nothing the second time.  Hosts with no usable address are
// skipped.
func (s *Syncer) Sync(ctx context.Context, hosts []vocabulary.Host, inventoryName string) (SyncResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := SyncResult{InventoryName: inventoryName, GroupMembers: map[string]int{}}

	org, err := s.client.FirstOrganization(ctx)
	if err != nil {
		return res, err
	}
	inv, created, err := s.client.EnsureInventory(ctx, inventoryName, org.ID, "Inventory synced from etcd discovery")
	if err != nil {
		return res, err
	}
	res.InventoryID, res.Created = inv.ID, created

	hostIDs := make(map[string]int, len(hosts))
	members := make(map[string][]int)
	for _, h := range hosts {
		addr := h.Address()
		if addr == "" {
			res.SkippedNoAddr++
			continue
		}
		vars := HostVars{
			AnsibleHost: addr,
			PrivateIP:   h.PrivateIP,
			PublicIP:    h.PublicIP,
			AllIPs:      h.AllIPs,
			Customer:    h.Domain,
		}
		awxHost, changed, err := s.client.EnsureHost(ctx, inv.ID, h.Hostname, vars)
		if err != nil {
			return res, fmt.Errorf("sync %s: %w", h.Hostname, err)
		}
		if changed {
			res.HostsChanged++
		}
		hostIDs[h.Hostname] = awxHost.ID
		for _, g := range Groups(h.Hostname, h.Domain) {
			members[g] = append(members[g], awxHost.ID)
		}
	}
	res.HostCount = len(hostIDs)

	names := make([]string, 0, len(members))
	for g := range members {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, name := range names {
		group, err := s.client.EnsureGroup(ctx, inv.ID, name)
		if err != nil {
			return res, err
		}
		for _, hostID := range members[name] {
			if err := s.client.AddHostToGroup(ctx, group.ID, hostID); err != nil {
				return res, fmt.Errorf("sync group %s: %w", name, err)
			}
		}
		res.GroupMembers[name] = len(members[name])
	}
	res.GroupCount = len(names)
	res.Duration = time.Since(start)

	slog.Info("awx sync complete",
		"inventory", inventoryName, "inventory_id", inv.ID, "created", created,
		"hosts", res.HostCount, "changed", res.HostsChanged,
		"groups", res.GroupCount, "skipped", res.SkippedNoAddr,
		"duration", res.Duration)
	return res, nil
}
