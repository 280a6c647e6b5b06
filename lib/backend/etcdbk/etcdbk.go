// Package etcdbk implements backend.Backend against an etcd v3 cluster,
// the production persistent store for both the coordinator and, for
// slot/circuit lookups, the worker.
package etcdbk

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/backendai/appproxy/lib/backend"
)

// Config configures a connection to an etcd cluster.
type Config struct {
	// Endpoints is the list of etcd peer addresses.
	Endpoints []string
	// Prefix is prepended to every key, isolating this deployment's
	// namespace within a shared cluster.
	Prefix string
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
	// TLSCertFile, TLSKeyFile, TLSCAFile configure mutual TLS to etcd; all
	// three are optional and only meaningful together.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	// Username/Password enable etcd's built-in auth, if configured.
	Username string
	Password string
}

// CheckAndSetDefaults validates the configuration, setting defaults where
// unset.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Endpoints) == 0 {
		return trace.BadParameter("etcd: at least one endpoint is required")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	return nil
}

// Backend implements backend.Backend on top of clientv3.Client.
type Backend struct {
	cfg Config
	clt *clientv3.Client
	log *logrus.Entry
}

// New dials etcd and returns a ready Backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	clientCfg := clientv3.Config{
		Context:     ctx,
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	if cfg.TLSCertFile != "" || cfg.TLSCAFile != "" {
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		clientCfg.TLS = tlsConfig
	}

	clt, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to etcd at %v", cfg.Endpoints)
	}

	return &Backend{
		cfg: cfg,
		clt: clt,
		log: logrus.WithField(trace.Component, "appproxy:etcd"),
	}, nil
}

func loadTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLSCAFile != "" {
		caData, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, trace.BadParameter("failed to parse CA file %v", cfg.TLSCAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func (b *Backend) key(key string) string {
	return b.cfg.Prefix + key
}

func (b *Backend) Get(ctx context.Context, key string) (*backend.Item, error) {
	resp, err := b.clt.Get(ctx, b.key(key))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, trace.NotFound("key %q not found", key)
	}
	kv := resp.Kvs[0]
	return &backend.Item{Key: key, Value: kv.Value, ID: kv.ModRevision}, nil
}

func (b *Backend) GetRange(ctx context.Context, prefix string) ([]backend.Item, error) {
	resp, err := b.clt.Get(ctx, b.key(prefix), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]backend.Item, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, backend.Item{
			Key:   string(kv.Key)[len(b.cfg.Prefix):],
			Value: kv.Value,
			ID:    kv.ModRevision,
		})
	}
	return out, nil
}

func (b *Backend) Put(ctx context.Context, item backend.Item) (*backend.Lease, error) {
	opts, err := b.ttlOpts(ctx, item)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := b.clt.Put(ctx, b.key(item.Key), string(item.Value), opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: item.Key, ID: resp.Header.Revision}, nil
}

func (b *Backend) ttlOpts(ctx context.Context, item backend.Item) ([]clientv3.OpOption, error) {
	if item.Expires.IsZero() {
		return nil, nil
	}
	ttl := int64(time.Until(item.Expires).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	lease, err := b.clt.Grant(ctx, ttl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}

// CompareAndSwap implements optimistic concurrency using an etcd Txn: a
// nil expected requires the key to be absent (create-only), non-nil
// expected requires the existing value to match exactly.
func (b *Backend) CompareAndSwap(ctx context.Context, item backend.Item, expected []byte) (*backend.Lease, error) {
	opts, err := b.ttlOpts(ctx, item)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	key := b.key(item.Key)

	var cmp clientv3.Cmp
	if expected == nil {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(key), "=", string(expected))
	}

	resp, err := b.clt.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(item.Value), opts...)).
		Commit()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !resp.Succeeded {
		return nil, trace.CompareFailed("key %q did not match expected value", item.Key)
	}
	return &backend.Lease{Key: item.Key, ID: resp.Header.Revision}, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.clt.Delete(ctx, b.key(key))
	return trace.Wrap(err)
}

func (b *Backend) DeleteRange(ctx context.Context, prefix string) error {
	_, err := b.clt.Delete(ctx, b.key(prefix), clientv3.WithPrefix())
	return trace.Wrap(err)
}

func (b *Backend) Close() error {
	return trace.Wrap(b.clt.Close())
}

type etcdWatcher struct {
	cancel context.CancelFunc
	events chan backend.Event
	done   chan struct{}
}

func (w *etcdWatcher) Events() <-chan backend.Event { return w.events }
func (w *etcdWatcher) Done() <-chan struct{}        { return w.done }
func (w *etcdWatcher) Close() error {
	w.cancel()
	return nil
}

// NewWatcher watches prefix for changes and translates etcd's WatchChan
// into backend.Events until the returned Watcher is closed.
func (b *Backend) NewWatcher(ctx context.Context, prefix string) (backend.Watcher, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	w := &etcdWatcher{
		cancel: cancel,
		events: make(chan backend.Event, 64),
		done:   make(chan struct{}),
	}

	watchChan := b.clt.Watch(watchCtx, b.key(prefix), clientv3.WithPrefix())

	go func() {
		defer close(w.done)
		defer close(w.events)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				b.log.WithError(err).Warn("etcd watch channel error")
				return
			}
			for _, ev := range resp.Events {
				item := backend.Item{
					Key:   string(ev.Kv.Key)[len(b.cfg.Prefix):],
					Value: ev.Kv.Value,
					ID:    ev.Kv.ModRevision,
				}
				typ := backend.EventPut
				if ev.Type == clientv3.EventTypeDelete {
					typ = backend.EventDelete
				}
				select {
				case w.events <- backend.Event{Type: typ, Item: item}:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	return w, nil
}
