package confirm_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bdobrica/Kanri/internal/kanri/confirm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

type memPersister struct {
	mu        sync.Mutex
	rows      map[string]confirm.Pending
	deleteErr error
}

func newMemPersister() *memPersister {
	return &memPersister{rows: map[string]confirm.Pending{}}
}

func (p *memPersister) SavePending(_ context.Context, pend confirm.Pending) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[pend.Token] = pend
	return nil
}

func (p *memPersister) DeletePending(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	delete(p.rows, token)
	return nil
}

func (p *memPersister) LoadPending(_ context.Context) ([]confirm.Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]confirm.Pending, 0, len(p.rows))
	for _, r := range p.rows {
		out = append(out, r)
	}
	return out, nil
}

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	admin = "@admin:example.org"
)

func TestManager_ApproveOnce(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := confirm.NewManager(confirm.Config{Now: clk.Now})

	tok, _, err := m.Create(ctx, "create", map[string]string{"role": "mim"}, alice, "!room", 0)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	p, ok := m.Get(tok)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(confirm.DefaultTTL), p.ExpiresAt)

	got, err := m.Approve(ctx, tok, alice)
	require.NoError(t, err)
	assert.Equal(t, "create", got.Action)
	assert.Equal(t, "mim", got.Params["role"])
	assert.Equal(t, "!room", got.ChannelID)

	_, err = m.Approve(ctx, tok, alice)
	assert.ErrorIs(t, err, confirm.ErrNotFound)
	_, err = m.Deny(ctx, tok, alice)
	assert.ErrorIs(t, err, confirm.ErrNotFound)
}

func TestManager_ParamsAreCopied(t *testing.T) {
	ctx := context.Background()
	m := confirm.NewManager(confirm.Config{})

	params := map[string]string{"role": "mim"}
	tok, _, err := m.Create(ctx, "create", params, alice, "", 0)
	require.NoError(t, err)
	params["role"] = "ts"

	p, err := m.Approve(ctx, tok, alice)
	require.NoError(t, err)
	assert.Equal(t, "mim", p.Params["role"])
}

func TestManager_Deny(t *testing.T) {
	ctx := context.Background()
	m := confirm.NewManager(confirm.Config{})

	tok, _, err := m.Create(ctx, "sync", nil, alice, "", 0)
	require.NoError(t, err)

	_, err = m.Deny(ctx, tok, alice)
	require.NoError(t, err)
	_, err = m.Approve(ctx, tok, alice)
	assert.ErrorIs(t, err, confirm.ErrNotFound)
}

func TestManager_ExpiredWithoutSweep(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := confirm.NewManager(confirm.Config{Now: clk.Now})

	tok, _, err := m.Create(ctx, "sync", nil, alice, "", time.Minute)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = m.Approve(ctx, tok, alice)
	assert.ErrorIs(t, err, confirm.ErrExpired)

	_, err = m.Approve(ctx, tok, alice)
	assert.ErrorIs(t, err, confirm.ErrNotFound, "an expired token is removed on first touch")
}

func TestManager_Forbidden(t *testing.T) {
	ctx := context.Background()
	m := confirm.NewManager(confirm.Config{Approvers: []string{admin}})

	tok, _, err := m.Create(ctx, "sync", nil, alice, "", 0)
	require.NoError(t, err)

	_, err = m.Approve(ctx, tok, bob)
	assert.ErrorIs(t, err, confirm.ErrForbidden)
	_, err = m.Deny(ctx, tok, bob)
	assert.ErrorIs(t, err, confirm.ErrForbidden)

	// The owner's token survives the foreign attempts.
	assert.Equal(t, 1, m.Len())

	_, err = m.Approve(ctx, tok, admin)
	assert.NoError(t, err, "configured approvers may act on any token")
}

func TestManager_ConcurrentApproveExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := confirm.NewManager(confirm.Config{})

	tok, _, err := m.Create(ctx, "sync", nil, alice, "", 0)
	require.NoError(t, err)

	var wins, notFound atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Approve(ctx, tok, alice)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, confirm.ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 31, notFound.Load())
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := confirm.NewManager(confirm.Config{Now: clk.Now})

	short, _, err := m.Create(ctx, "a", nil, alice, "", time.Minute)
	require.NoError(t, err)
	long, _, err := m.Create(ctx, "b", nil, alice, "", time.Hour)
	require.NoError(t, err)

	expired := m.Sweep(ctx, clk.Now().Add(time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, short, expired[0].Token)

	_, ok := m.Get(long)
	assert.True(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestManager_RunSweepsAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := newClock()

	expiredCh := make(chan confirm.Pending, 1)
	m := confirm.NewManager(confirm.Config{
		Now:      clk.Now,
		OnExpire: func(p confirm.Pending) { expiredCh <- p },
	})

	tok, _, err := m.Create(ctx, "sync", nil, alice, "", time.Second)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case p := <-expiredCh:
		assert.Equal(t, tok, p.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not expire the token")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestManager_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := newMemPersister()

	first := confirm.NewManager(confirm.Config{Now: clk.Now, Persister: store})
	live, _, err := first.Create(ctx, "sync", map[string]string{"inventory_name": "central inventory"}, alice, "!room", time.Hour)
	require.NoError(t, err)
	stale, _, err := first.Create(ctx, "create", nil, alice, "!room", time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	second := confirm.NewManager(confirm.Config{Now: clk.Now, Persister: store})
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := second.Get(stale)
	assert.False(t, ok)

	p, err := second.Approve(ctx, live, alice)
	require.NoError(t, err)
	assert.Equal(t, "central inventory", p.Params["inventory_name"])

	rows, _ := store.LoadPending(ctx)
	assert.Empty(t, rows)
}

func TestManager_DeleteFailureDoesNotBlockClaim(t *testing.T) {
	ctx := context.Background()
	store := newMemPersister()
	m := confirm.NewManager(confirm.Config{Persister: store})

	tok, _, err := m.Create(ctx, "sync", nil, alice, "", 0)
	require.NoError(t, err)

	store.deleteErr = errors.New("disk full")
	_, err = m.Approve(ctx, tok, alice)
	require.NoError(t, err)

	_, err = m.Approve(ctx, tok, alice)
	assert.ErrorIs(t, err, confirm.ErrNotFound)
}

func TestManager_List(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := confirm.NewManager(confirm.Config{Now: clk.Now})

	a, _, _ := m.Create(ctx, "a", nil, alice, "", 0)
	clk.Advance(time.Second)
	b, _, _ := m.Create(ctx, "b", nil, bob, "", 0)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].Token)
	assert.Equal(t, b, list[1].Token)
}
