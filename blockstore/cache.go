package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/prometheus/client_golang/prometheus"
)

type cacheHave bool
type cacheSize int

// cachedBlockstore wraps a Blockstore with a 2Q cache that does not store
// the actual blocks, just metadata about them: existence and size. This
// allows to short-cut many lookups without querying the underlying
// datastore.
type cachedBlockstore struct {
	cache      *lru.TwoQueueCache
	blockstore Blockstore

	hits  prometheus.Counter
	total prometheus.Counter
}

var _ Blockstore = (*cachedBlockstore)(nil)

// NewCachedBlockstore wraps bs with a metadata cache holding up to size
// entries. Cache hit counters are registered with reg, or with the default
// Prometheus registerer when reg is nil.
func NewCachedBlockstore(bs Blockstore, size int, reg prometheus.Registerer) (Blockstore, error) {
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &cachedBlockstore{cache: cache, blockstore: bs}
	c.hits = registerCounter(reg, "cache_hits_total", "Number of blockstore cache hits.")
	c.total = registerCounter(reg, "cache_total", "Total number of blockstore cache requests.")
	return c, nil
}

func registerCounter(reg prometheus.Registerer, name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipfs",
		Subsystem: "blockstore",
		Name:      name,
		Help:      help,
	})
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		log.Errorf("failed to register ipfs_blockstore_%s: %v", name, err)
	}
	return counter
}

func (b *cachedBlockstore) Has(ctx context.Context, k cid.Cid) (bool, error) {
	if has, _, ok := b.queryCache(k); ok {
		return has, nil
	}
	has, err := b.blockstore.Has(ctx, k)
	if err != nil {
		return false, err
	}
	b.cacheHave(k, has)
	return has, nil
}

func (b *cachedBlockstore) GetSize(ctx context.Context, k cid.Cid) (int, error) {
	if has, blockSize, ok := b.queryCache(k); ok {
		if !has {
			// don't have it, return
			return -1, ipld.ErrNotFound{Cid: k}
		}
		if blockSize >= 0 {
			// have it and we know the size
			return blockSize, nil
		}
		// we have it but don't know the size, ask the datastore.
	}
	blockSize, err := b.blockstore.GetSize(ctx, k)
	if ipld.IsNotFound(err) {
		b.cacheHave(k, false)
	} else if err == nil {
		b.cacheSize(k, blockSize)
	}
	return blockSize, err
}

func (b *cachedBlockstore) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	if !k.Defined() {
		log.Error("undefined cid in blockstore cache")
		return nil, ipld.ErrNotFound{Cid: k}
	}

	if has, _, ok := b.queryCache(k); ok && !has {
		return nil, ipld.ErrNotFound{Cid: k}
	}

	bl, err := b.blockstore.Get(ctx, k)
	if bl == nil && ipld.IsNotFound(err) {
		b.cacheHave(k, false)
	} else if bl != nil {
		b.cacheSize(k, len(bl.RawData()))
	}
	return bl, err
}

func (b *cachedBlockstore) Put(ctx context.Context, bl blocks.Block) error {
	if has, _, ok := b.queryCache(bl.Cid()); ok && has {
		return nil
	}

	err := b.blockstore.Put(ctx, bl)
	if err == nil {
		b.cacheSize(bl.Cid(), len(bl.RawData()))
	}
	return err
}

func (b *cachedBlockstore) PutMany(ctx context.Context, bs []blocks.Block) error {
	var good []blocks.Block
	for _, block := range bs {
		// call put on block if result is inconclusive or we are sure that
		// the block isn't in storage
		if has, _, ok := b.queryCache(block.Cid()); !ok || !has {
			good = append(good, block)
		}
	}
	if len(good) == 0 {
		return nil
	}
	err := b.blockstore.PutMany(ctx, good)
	if err != nil {
		return err
	}
	for _, block := range good {
		b.cacheSize(block.Cid(), len(block.RawData()))
	}
	return nil
}

func (b *cachedBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return b.blockstore.AllKeysChan(ctx)
}

func (b *cachedBlockstore) ForEachKey(ctx context.Context, fn func(cid.Cid) error) error {
	if w, ok := b.blockstore.(keyWalker); ok {
		return w.ForEachKey(ctx, fn)
	}
	keys, err := b.blockstore.AllKeysChan(ctx)
	if err != nil {
		return err
	}
	for k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (b *cachedBlockstore) cacheHave(c cid.Cid, have bool) {
	b.cache.Add(string(c.Hash()), cacheHave(have))
}

func (b *cachedBlockstore) cacheSize(c cid.Cid, blockSize int) {
	b.cache.Add(string(c.Hash()), cacheSize(blockSize))
}

// queryCache checks if the CID is in the cache. If so, it returns:
//
//   - exists (bool): whether the CID is known to exist or not.
//   - size (int): the size if cached, or -1 if not cached.
//   - ok (bool): whether present in the cache.
//
// When ok is false, the answer in inconclusive and the caller must ignore the
// other two return values.
func (b *cachedBlockstore) queryCache(k cid.Cid) (exists bool, size int, ok bool) {
	b.total.Inc()
	if !k.Defined() {
		// Return cache invalid so the call to blockstore happens
		// in case of invalid key and correct error is created.
		return false, -1, false
	}

	h, ok := b.cache.Get(string(k.Hash()))
	if ok {
		b.hits.Inc()
		switch h := h.(type) {
		case cacheHave:
			return bool(h), -1, true
		case cacheSize:
			return true, int(h), true
		}
	}
	return false, -1, false
}
