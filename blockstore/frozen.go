package blockstore

import (
	"context"
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// ErrFrozen is returned when writing to a Frozen store.
var ErrFrozen = errors.New("blockstore is frozen")

// Frozen is an immutable, in-memory snapshot of a Blockstore. The backing
// map is never written after Freeze returns, so concurrent readers need no
// locking.
type Frozen struct {
	blocks map[string][]byte
}

var _ Blockstore = (*Frozen)(nil)

// keyWalker is implemented by stores that can report enumeration errors,
// which AllKeysChan can only log.
type keyWalker interface {
	ForEachKey(ctx context.Context, fn func(cid.Cid) error) error
}

// Freeze copies every block of bs into a new Frozen store. It fails if the
// keys of bs cannot be fully enumerated.
func Freeze(ctx context.Context, bs Blockstore) (*Frozen, error) {
	m := make(map[string][]byte)
	add := func(k cid.Cid) error {
		blk, err := bs.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("freezing %s: %w", k, err)
		}
		m[string(k.Hash())] = blk.RawData()
		return nil
	}

	if w, ok := bs.(keyWalker); ok {
		if err := w.ForEachKey(ctx, add); err != nil {
			return nil, err
		}
		return &Frozen{blocks: m}, nil
	}

	keys, err := bs.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}
	for k := range keys {
		if err := add(k); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Frozen{blocks: m}, nil
}

// Len returns the number of blocks in the snapshot.
func (f *Frozen) Len() int {
	return len(f.blocks)
}

func (f *Frozen) Has(_ context.Context, k cid.Cid) (bool, error) {
	_, ok := f.blocks[string(k.Hash())]
	return ok, nil
}

func (f *Frozen) Get(_ context.Context, k cid.Cid) (blocks.Block, error) {
	if !k.Defined() {
		return nil, ipld.ErrNotFound{Cid: k}
	}
	data, ok := f.blocks[string(k.Hash())]
	if !ok {
		return nil, ipld.ErrNotFound{Cid: k}
	}
	return blocks.NewBlockWithCid(data, k)
}

func (f *Frozen) GetSize(_ context.Context, k cid.Cid) (int, error) {
	data, ok := f.blocks[string(k.Hash())]
	if !ok {
		return -1, ipld.ErrNotFound{Cid: k}
	}
	return len(data), nil
}

func (f *Frozen) Put(context.Context, blocks.Block) error {
	return ErrFrozen
}

func (f *Frozen) PutMany(context.Context, []blocks.Block) error {
	return ErrFrozen
}

func (f *Frozen) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	output := make(chan cid.Cid)
	go func() {
		defer close(output)
		for h := range f.blocks {
			select {
			case <-ctx.Done():
				return
			case output <- cid.NewCidV1(cid.Raw, []byte(h)):
			}
		}
	}()
	return output, nil
}
