package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/goleak"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeKV struct {
	calls  atomic.Int32
	failN  int32
	kvs    map[string]string
	gotKey string
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	n := f.calls.Add(1)
	if n <= f.failN {
		return nil, errors.New("etcdserver: request timed out")
	}
	f.gotKey = key
	resp := &clientv3.GetResponse{}
	for k, v := range f.kvs {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
	}
	return resp, nil
}

func fastRetry(s *EtcdSource) {
	s.retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestEtcdSourceRetriesThenLists(t *testing.T) {
	kv := &fakeKV{failN: 2, kvs: map[string]string{
		"/discovery/lolxp/mim/mim-lolxp-01-1.example.com/viv_privip": "10.0.0.1",
	}}
	src := newEtcdSource(kv, "etcd.local:2379", time.Second)
	fastRetry(src)

	got, err := src.List(context.Background(), "/discovery/")
	require.NoError(t, err)
	assert.Equal(t, int32(3), kv.calls.Load())
	assert.Equal(t, "/discovery/", kv.gotKey)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1", got[0].Value)
	assert.Equal(t, "etcd://etcd.local:2379", src.Endpoint())
	assert.NoError(t, src.Close())
}

func TestEtcdSourceGivesUp(t *testing.T) {
	kv := &fakeKV{failN: 10}
	src := newEtcdSource(kv, "etcd.local:2379", time.Second)
	fastRetry(src)

	_, err := src.List(context.Background(), "/discovery/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd.local:2379")
	assert.Equal(t, int32(3), kv.calls.Load())
}

func TestEtcdConfigEndpoint(t *testing.T) {
	tests := []struct {
		cfg  EtcdConfig
		want string
	}{
		{EtcdConfig{Server: "etcd.local"}, "etcd.local:2379"},
		{EtcdConfig{Server: "etcd.local", Port: 4001}, "etcd.local:4001"},
		{EtcdConfig{Server: "http://10.1.1.1:2379", Port: 4001}, "10.1.1.1:2379"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.Endpoint())
	}
}

func writeKeys(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

const sampleKeys = `keys:
  /discovery/lolxp/mim/mim-lolxp-01-1.example.com/viv_privip: 10.0.0.1
  /discovery/lolxp/mim/mim-lolxp-01-2.example.com/viv_privip: 10.0.0.2
  /discovery/bos/www5/www5-bos-01-1.example.com/viv_pubip: 1.2.3.4
  /other/ignored: x
`

func TestFileSourceList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	writeKeys(t, path, sampleKeys)

	src := NewFile(path)
	got, err := src.List(context.Background(), "/discovery/")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "/discovery/bos/www5/www5-bos-01-1.example.com/viv_pubip", got[0].Key)

	hosts := vocabulary.Decompose(got)
	assert.Len(t, hosts, 3)

	_, err = NewFile(filepath.Join(t.TempDir(), "missing.yaml")).List(context.Background(), "/")
	assert.Error(t, err)
}

func TestFileSourceWatchCoalescesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	writeKeys(t, path, sampleKeys)

	src := NewFile(path)
	src.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, func() { changed <- struct{}{} }) }()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
	writeKeys(t, path, sampleKeys+"  /discovery/x/y/z: 1\n")
	writeKeys(t, path, sampleKeys+"  /discovery/x/y/z: 2\n")

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	require.NoError(t, <-done)
}

type flakySource struct {
	fail  atomic.Bool
	calls atomic.Int32
	kvs   []vocabulary.KeyValue
}

func (f *flakySource) List(context.Context, string) ([]vocabulary.KeyValue, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return f.kvs, nil
}

func TestRefresherKeepsSnapshotOnFailure(t *testing.T) {
	src := &flakySource{kvs: []vocabulary.KeyValue{
		{Key: "/discovery/lolxp/mim/mim-lolxp-01-1.example.com/viv_privip", Value: "10.0.0.1"},
	}}
	idx := vocabulary.New("/discovery/")
	r := NewRefresher(idx, src, time.Hour)

	snap, err := r.Fresh(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.True(t, snap.ContainsRole("mim"))

	// Fresh enough: no second call.
	_, err = r.Fresh(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	src.fail.Store(true)
	snap, err = r.Refresh(context.Background())
	assert.ErrorIs(t, err, vocabulary.ErrSourceUnavailable)
	assert.True(t, snap.ContainsRole("mim"))
	assert.True(t, idx.ContainsRole("mim"))
	assert.Equal(t, "unknown", r.Endpoint())
}

func TestRefresherRunHonoursTrigger(t *testing.T) {
	src := &flakySource{}
	r := NewRefresher(vocabulary.New(""), src, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	r.Trigger()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Index().Ready())

	cancel()
	assert.NoError(t, <-done)
}
