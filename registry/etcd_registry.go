package registry

// etcd is used as a phonebook of device-control servers:
//
//	Key:   /remote-ctrl/{device}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed, so consoles never dial a dead device server.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/remote-ctrl/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger *zap.Logger
	leases sync.Map // key → clientv3.LeaseID, revoked on Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints. The connection is
// established lazily by the etcd client; dialTimeout bounds the first dial.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func instanceKey(device, addr string) string {
	return keyPrefix + device + "/" + addr
}

func devicePrefix(device string) string {
	return keyPrefix + device + "/"
}

// Register adds inst with a TTL lease and keeps the lease alive in the
// background until Deregister or Close.
//
// The lease id is kept per key, not on the struct, so several servers may share
// one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, device string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	inst.Device = device
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	key := instanceKey(device, inst.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// KeepAlive must outlive the registration call, so it gets its own context
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	r.leases.Store(key, lease.ID)

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, device string, addr string) error {
	key := instanceKey(device, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if id, ok := r.leases.LoadAndDelete(key); ok {
		if _, err := r.client.Revoke(ctx, id.(clientv3.LeaseID)); err != nil {
			r.logger.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover returns all instances currently registered for device.
func (r *EtcdRegistry) Discover(ctx context.Context, device string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, devicePrefix(device), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", device, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch uses etcd's server-push watch on the device prefix and re-reads the
// full list on every change, which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, device string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, devicePrefix(device), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, device)
			if err != nil {
				r.logger.Warn("rediscover after watch event", zap.String("device", device), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client; leases still held expire after their TTL.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
