// Package repo opens the datastore selected in the configuration and exposes
// it as a blockstore.
package repo

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/config"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

var log = logging.Logger("rawgw/repo")

// Repo owns a datastore and the blockstore layered over it.
type Repo struct {
	datastore  ds.Batching
	blockstore blockstore.Blockstore
	closers    []io.Closer
}

// Open creates or opens the datastore described by c. Persistent backends
// create their directory if it does not exist yet.
func Open(c config.Datastore, reg prometheus.Registerer) (*Repo, error) {
	r := &Repo{}

	switch c.Type {
	case config.DatastoreMemory, "":
		r.datastore = dssync.MutexWrap(ds.NewMapDatastore())
	case config.DatastoreLevelDB:
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating leveldb directory: %w", err)
		}
		d, err := leveldb.NewDatastore(c.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("opening leveldb datastore at %s: %w", c.Path, err)
		}
		r.datastore = d
		r.closers = append(r.closers, d)
	case config.DatastoreBadger:
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating badger directory: %w", err)
		}
		d, err := badger.NewDatastore(c.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("opening badger datastore at %s: %w", c.Path, err)
		}
		r.datastore = d
		r.closers = append(r.closers, d)
	default:
		return nil, fmt.Errorf("unknown datastore type %q", c.Type)
	}

	var bs blockstore.Blockstore = blockstore.NewBlockstore(r.datastore, blockstore.HashOnRead(c.HashOnRead))
	if c.CacheSize > 0 {
		cached, err := blockstore.NewCachedBlockstore(bs, c.CacheSize, reg)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		bs = cached
	}
	r.blockstore = bs

	log.Debugw("opened repo", "type", c.Type, "path", c.Path, "cache", c.CacheSize)
	return r, nil
}

func (r *Repo) Blockstore() blockstore.Blockstore {
	return r.blockstore
}

func (r *Repo) Datastore() ds.Batching {
	return r.datastore
}

// Sync flushes pending writes of the whole datastore to disk.
func (r *Repo) Sync(ctx context.Context) error {
	return r.datastore.Sync(ctx, ds.NewKey("/"))
}

// Close releases the datastore. It is safe to call on a partially opened
// repo.
func (r *Repo) Close() error {
	var err error
	for _, c := range r.closers {
		err = multierr.Append(err, c.Close())
	}
	r.closers = nil
	return err
}
