package locations

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV is the part of the etcd client used by EtcdLocation.
// *clientv3.Client satisfies it.
type EtcdKV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// EtcdLocation stores each blob as one etcd key under a prefix. Blobs are
// limited by the cluster's request size limit.
type EtcdLocation struct {
	kv     EtcdKV
	prefix string
	close  func() error
}

// NewEtcdLocation stores blobs under prefix. closeFn releases the client and
// may be nil.
func NewEtcdLocation(kv EtcdKV, prefix string, closeFn func() error) *EtcdLocation {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix != "/" {
		prefix += "/"
	}
	return &EtcdLocation{kv: kv, prefix: prefix, close: closeFn}
}

func (l *EtcdLocation) Write(ctx context.Context, path string, data []byte) (string, error) {
	key := l.resolveKey(path)
	if _, err := l.kv.Put(ctx, key, string(data)); err != nil {
		return "", fmt.Errorf("etcd put %s: %w", key, err)
	}
	return etcdURI(key), nil
}

func (l *EtcdLocation) Read(ctx context.Context, path string) ([]byte, error) {
	key := l.resolveKey(path)
	resp, err := l.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd key %s: %w", key, ErrNotFound)
	}
	return resp.Kvs[0].Value, nil
}

func (l *EtcdLocation) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := l.kv.Get(ctx, l.prefix,
			clientv3.WithPrefix(),
			clientv3.WithKeysOnly(),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		if err != nil {
			yield("", fmt.Errorf("etcd list %s: %w", l.prefix, err))
			return
		}
		for _, kv := range resp.Kvs {
			if !yield(etcdURI(string(kv.Key)), nil) {
				return
			}
		}
	}
}

func (l *EtcdLocation) URI(ctx context.Context, path string) (string, error) {
	key := l.resolveKey(path)
	resp, err := l.kv.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return "", fmt.Errorf("etcd get %s: %w", key, err)
	}
	if resp.Count == 0 {
		return "", ErrNotFound
	}
	return etcdURI(key), nil
}

func (l *EtcdLocation) Remove(ctx context.Context, paths ...string) error {
	var errs []error
	for _, path := range paths {
		key := l.resolveKey(path)
		if _, err := l.kv.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("etcd delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (l *EtcdLocation) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// resolveKey maps relative paths under the prefix and etcd:// URIs to their
// key.
func (l *EtcdLocation) resolveKey(path string) string {
	if strings.HasPrefix(path, "etcd://") {
		if u, err := url.Parse(path); err == nil {
			return u.Path
		}
	}
	return l.prefix + strings.TrimPrefix(path, "/")
}

func etcdURI(key string) string {
	return "etcd://" + key
}

// parseEtcdURI splits etcd://host:2379,host2:2379/prefix into endpoints and
// a key prefix.
func parseEtcdURI(uri string) ([]string, string, error) {
	rest := strings.TrimPrefix(uri, "etcd://")
	hosts, prefix, _ := strings.Cut(rest, "/")
	if hosts == "" {
		return nil, "", fmt.Errorf("etcd URI must include at least one endpoint: %s", uri)
	}
	return strings.Split(hosts, ","), prefix, nil
}

var _ StorageLocation = (*EtcdLocation)(nil)
