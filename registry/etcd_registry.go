package registry

// EtcdRegistry shares the catalog between outlet instances through etcd:
//
//	Key:   /mcp-outlet/servers/{name}
//	Value: JSON-encoded ServerConfiguration
//
// With a TTL the entry is attached to a lease kept alive in the background, so a
// configuration published by a process that dies disappears on its own.

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Datarails/mcp-outlet/message"
)

const (
	DefaultPrefix      = "/mcp-outlet/servers/"
	defaultDialTimeout = 5 * time.Second
)

type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	ttl    int64
}

type EtcdOption func(*EtcdRegistry)

// WithTTL attaches registrations to a lease of ttl seconds. Zero means no lease.
func WithTTL(ttl int64) EtcdOption { return func(r *EtcdRegistry) { r.ttl = ttl } }

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		r.prefix = prefix
	}
}

func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	r := &EtcdRegistry{client: c, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) key(name string) string { return r.prefix + name }

// Register stores cfg under name.
//
// Note: the lease id stays local, so several goroutines can share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, name string, cfg message.ServerConfiguration) error {
	cfg, err := prepare(name, cfg)
	if err != nil {
		return err
	}
	val, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	if r.ttl <= 0 {
		_, err = r.client.Put(ctx, r.key(name), string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, r.key(name), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	// the keepalive outlives the registering request
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, name string) error {
	_, err := r.client.Delete(ctx, r.key(name))
	return err
}

func (r *EtcdRegistry) Lookup(ctx context.Context, name string) (message.ServerConfiguration, error) {
	resp, err := r.client.Get(ctx, r.key(name))
	if err != nil {
		return message.ServerConfiguration{}, err
	}
	if len(resp.Kvs) == 0 {
		return message.ServerConfiguration{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	cfg, err := message.ParseServerConfiguration(resp.Kvs[0].Value)
	if err != nil {
		return message.ServerConfiguration{}, fmt.Errorf("registry: server %q: %w", name, err)
	}
	return cfg, nil
}

func (r *EtcdRegistry) List(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		names = append(names, strings.TrimPrefix(string(kv.Key), r.prefix))
	}
	slices.Sort(names)
	return names, nil
}

// Close revokes nothing; leased entries expire once keepalives stop.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
