// Package discovery provides the key/value sources the vocabulary is built
// from, and the loop that keeps the vocabulary fresh.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// EtcdConfig describes how to reach the discovery cluster.
type EtcdConfig struct {
	Server string // host name or address; may already carry a port
	Port   int    // used when Server has no port; 0 means 2379
	// DialTimeout bounds the initial connection.  Default 5s.
	DialTimeout time.Duration
	// RequestTimeout bounds each Get attempt.  Default 10s.
	RequestTimeout time.Duration
}

// Endpoint returns host:port.
func (c EtcdConfig) Endpoint() string {
	server := strings.TrimPrefix(strings.TrimPrefix(c.Server, "http://"), "https://")
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	port := c.Port
	if port == 0 {
		port = 2379
	}
	return net.JoinHostPort(server, strconv.Itoa(port))
}

// kvGetter is the part of clientv3.KV the source needs.
type kvGetter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdSource lists discovery keys from etcd.
type EtcdSource struct {
	kv       kvGetter
	client   *clientv3.Client
	endpoint string
	timeout  time.Duration
	retry    retry.Config
}

// NewEtcd connects to etcd.  The connection is established lazily by the
// client; an unreachable cluster surfaces on the first List.
func NewEtcd(cfg EtcdConfig) (*EtcdSource, error) {
	if cfg.Server == "" {
		return nil, errors.New("discovery: etcd server not configured")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	endpoint := cfg.Endpoint()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd %s: %w", endpoint, err)
	}
	s := newEtcdSource(cli, endpoint, cfg.RequestTimeout)
	s.client = cli
	return s, nil
}

// NewEtcdFromKV wraps an existing KV, such as a clientv3.Client owned by the
// caller.
func NewEtcdFromKV(kv clientv3.KV, endpoint string) *EtcdSource {
	return newEtcdSource(kv, endpoint, 0)
}

func newEtcdSource(kv kvGetter, endpoint string, timeout time.Duration) *EtcdSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EtcdSource{
		kv:       kv,
		endpoint: endpoint,
		timeout:  timeout,
		retry:    retry.DefaultConfig,
	}
}

// List returns every key/value pair beneath prefix.
func (s *EtcdSource) List(ctx context.Context, prefix string) ([]vocabulary.KeyValue, error) {
	cfg := s.retry
	cfg.ShouldRetry = func(error) bool { return ctx.Err() == nil }

	resp, err := retry.Value(ctx, cfg, func() (*clientv3.GetResponse, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.kv.Get(attemptCtx, prefix, clientv3.WithPrefix())
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: etcd get %s%s: %w", s.endpoint, prefix, err)
	}

	out := make([]vocabulary.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, vocabulary.KeyValue{Key: string(kv.Key), Value: string(kv.Value)})
	}
	slog.Debug("discovery: etcd listed keys", "endpoint", s.endpoint, "prefix", prefix, "keys", len(out))
	return out, nil
}

// Endpoint returns the etcd endpoint for status output.
func (s *EtcdSource) Endpoint() string { return "etcd://" + s.endpoint }

// Close releases the client when the source owns it.
func (s *EtcdSource) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
