package awx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/internal/kanri/awx/awxtest"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

func newTestClient(t *testing.T, srv *awxtest.Server, cfg Config) *Client {
	t.Helper()
	cfg.Server = srv.Host()
	c, err := New(cfg)
	require.NoError(t, err)
	c.retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Server: "awx.local"})
	assert.ErrorIs(t, err, ErrNoAuth)

	_, err = New(Config{Token: "x"})
	assert.Error(t, err)

	c, err := New(Config{Server: "https://awx.local/", Token: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://awx.local/api/v2", c.APIURL())
	assert.Equal(t, "https://awx.local/#/jobs/playbook/7", c.JobURL(7))

	c, _ = New(Config{Server: "awx.local:8052", Username: "u", Password: "p"})
	assert.Equal(t, "http://awx.local:8052/api/v2", c.APIURL())
	assert.Equal(t, "basic", c.AuthMethod())
}

func TestAuthOrder(t *testing.T) {
	t.Run("token", func(t *testing.T) {
		srv := awxtest.New()
		defer srv.Close()
		srv.Token = "pat"
		c := newTestClient(t, srv, Config{Token: "pat", Username: "u", Password: "p", ClientID: "id", ClientSecret: "s"})
		require.NoError(t, c.Ping(context.Background()))
		assert.Equal(t, 0, srv.Calls("POST /api/o/token/"))
		assert.Equal(t, "token", c.AuthMethod())
	})

	t.Run("oauth", func(t *testing.T) {
		srv := awxtest.New()
		defer srv.Close()
		c := newTestClient(t, srv, Config{Username: "ops", Password: "p", ClientID: "id", ClientSecret: "s"})
		require.NoError(t, c.Ping(context.Background()))
		require.NoError(t, c.Ping(context.Background()))
		assert.Equal(t, 1, srv.Calls("POST /api/o/token/"), "token is fetched once")
		assert.Equal(t, "oauth-ops", srv.Token)
		assert.Equal(t, "oauth2", c.AuthMethod())
	})

	t.Run("wrong token is not retried", func(t *testing.T) {
		srv := awxtest.New()
		defer srv.Close()
		srv.Token = "other"
		c := newTestClient(t, srv, Config{Token: "pat"})
		err := c.Ping(context.Background())
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.Code)
		assert.Equal(t, 1, srv.Calls("GET /ping/"))
	})
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	srv := awxtest.New()
	defer srv.Close()
	c := newTestClient(t, srv, Config{Token: "x"})

	srv.FailNext(2, http.StatusBadGateway)
	require.NoError(t, c.Ping(context.Background()), "GETs retry through transient 5xx")

	srv.FailNext(5, http.StatusServiceUnavailable)
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEnsureInventoryAndHostAreIdempotent(t *testing.T) {
	srv := awxtest.New()
	defer srv.Close()
	c := newTestClient(t, srv, Config{Token: "x"})
	ctx := context.Background()

	inv, created, err := c.EnsureInventory(ctx, "mim-lolxp", 1, "test")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := c.EnsureInventory(ctx, "mim-lolxp", 1, "test")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inv.ID, again.ID)

	vars := HostVars{AnsibleHost: "10.0.0.1", PrivateIP: "10.0.0.1", Customer: "lolxp"}
	h, changed, err := c.EnsureHost(ctx, inv.ID, "mim-lolxp-01-1.example.com", vars)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = c.EnsureHost(ctx, inv.ID, "mim-lolxp-01-1.example.com", vars)
	require.NoError(t, err)
	assert.False(t, changed)

	vars.PublicIP = "1.2.3.4"
	h2, changed, err := c.EnsureHost(ctx, inv.ID, "mim-lolxp-01-1.example.com", vars)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, h.ID, h2.ID)
	assert.Len(t, srv.Objects("hosts"), 1)
	assert.Equal(t, 1, srv.Calls("PATCH /hosts/"+strconv.Itoa(h.ID)+"/"))

	_, err = c.FindInventory(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSameVars(t *testing.T) {
	assert.True(t, sameVars(`{"b": "2", "a": "1"}`, []byte(`{"a":"1","b":"2"}`)))
	assert.True(t, sameVars("", []byte(`{}`)))
	assert.False(t, sameVars("---\nfoo: bar", []byte(`{"foo":"bar"}`)))
}

func TestGroups(t *testing.T) {
	tests := []struct {
		host     string
		customer string
		want     []string
	}{
		{"mim-lolxp-01-1.example.com", "lolxp", []string{"customer-lolxp"}},
		{"os1-sriov-comp-bos-3.example.com", "", []string{"sriov-comp", "location-bos", "cluster-os1", "os1-sriov"}},
		{"os-chn-gen-comp-chn-1.example.com", "", []string{"gen-comp", "location-chn", "cluster-os-chn", "chn-gen"}},
		{"etcd-bos.vivox.com", "", []string{"etcd", "location-bos"}},
		{"mphpp-mx-01-1-bos.vivox.com", "mx", []string{"customer-mx", "mphpp", "location-bos"}},
		{"OS2-GEN-COMP-1.example.com", "", []string{"gen-comp", "cluster-os2", "os2-gen"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Groups(tt.host, tt.customer), tt.host)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	srv := awxtest.New()
	defer srv.Close()
	c := newTestClient(t, srv, Config{Token: "x"})
	s := NewSyncer(c, time.Minute)

	hosts := []vocabulary.Host{
		{Hostname: "os1-sriov-comp-bos-1.example.com", Role: "os1", Domain: "sriov", PrivateIP: "10.0.0.1"},
		{Hostname: "mim-lolxp-01-1.example.com", Role: "mim", Domain: "lolxp", PublicIP: "1.2.3.4"},
		{Hostname: "mim-lolxp-01-2.example.com", Role: "mim", Domain: "lolxp"},
	}

	res, err := s.Sync(context.Background(), hosts, "central inventory")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.HostCount)
	assert.Equal(t, 2, res.HostsChanged)
	assert.Equal(t, 1, res.SkippedNoAddr)
	assert.Equal(t, 1, res.GroupMembers["customer-lolxp"])
	assert.Equal(t, 1, res.GroupMembers["os1-sriov"])

	grp, ok := srv.Find("groups", "customer-lolxp")
	require.True(t, ok)
	assert.Len(t, srv.Members(grp["id"].(int)), 1)

	groupsBefore := len(srv.Objects("groups"))
	res2, err := s.Sync(context.Background(), hosts, "central inventory")
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, 0, res2.HostsChanged)
	assert.Equal(t, res.InventoryID, res2.InventoryID)
	assert.Len(t, srv.Objects("hosts"), 2)
	assert.Len(t, srv.Objects("groups"), groupsBefore)
	assert.Len(t, srv.Members(grp["id"].(int)), 1)

	host, ok := srv.Find("hosts", "mim-lolxp-01-1.example.com")
	require.True(t, ok)
	assert.JSONEq(t, `{"ansible_host":"1.2.3.4","public_ip":"1.2.3.4","customer":"lolxp"}`, host["variables"].(string))
}

func TestPlaybookFlow(t *testing.T) {
	srv := awxtest.New()
	defer srv.Close()
	c := newTestClient(t, srv, Config{Token: "x"})
	ctx := context.Background()

	invID := srv.AddInventory("mim-lolxp", 4)

	cred, err := c.EnsureSCMCredential(ctx, "kanri-scm", 1, "ghp_secret")
	require.NoError(t, err)
	again, err := c.EnsureSCMCredential(ctx, "kanri-scm", 1, "ghp_rotated")
	require.NoError(t, err)
	assert.Equal(t, cred, again)

	proj, err := c.EnsureProject(ctx, ProjectSpec{Name: "kanri-ops-ansible", Organization: 1, SCMURL: "https://github.com/ops/ansible.git", Branch: "main", Credential: cred})
	require.NoError(t, err)
	require.NoError(t, c.UpdateProject(ctx, proj.ID))

	proj2, err := c.EnsureProject(ctx, ProjectSpec{Name: "kanri-ops-ansible", Organization: 1, SCMURL: "https://github.com/ops/ansible.git", Branch: "release", Credential: cred})
	require.NoError(t, err)
	assert.Equal(t, proj.ID, proj2.ID)
	assert.Equal(t, "release", proj2.SCMBranch)

	jt, err := c.EnsureJobTemplate(ctx, TemplateSpec{Name: "kanri-restart", Project: proj.ID, Playbook: "ansible/restart.yml", Inventory: invID})
	require.NoError(t, err)

	otherInv := srv.AddInventory("all", 10)
	jt2, err := c.EnsureJobTemplate(ctx, TemplateSpec{Name: "kanri-restart", Project: proj.ID, Playbook: "ansible/restart.yml", Inventory: otherInv})
	require.NoError(t, err)
	assert.Equal(t, jt.ID, jt2.ID)
	assert.Equal(t, otherInv, jt2.Inventory)

	job, err := c.LaunchJobTemplate(ctx, jt.ID, `{"service":"nginx"}`)
	require.NoError(t, err)
	assert.NotZero(t, job.ID)
	assert.Equal(t, "pending", job.Status)

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "kanri-restart", got.Name)
	assert.False(t, got.Done())

	_, err = c.GetJob(ctx, 99999)
	assert.True(t, errors.Is(err, ErrNotFound))

	done := srv.AddJob("kanri-ping", "successful", "ansible/ping.yml", "line1\nline2\nline3\n")
	out, err := c.JobStdout(ctx, done, 2)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3", out)

	jobs, err := c.ListJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, done, jobs[0].ID)
	assert.True(t, jobs[0].Done())
}

func TestTail(t *testing.T) {
	assert.Equal(t, "a\nb", Tail("a\nb\n", 5))
	assert.Equal(t, "c", Tail("a\nb\nc", 1))
	assert.Equal(t, "a\nb\nc", Tail("a\nb\nc", 0))
}
