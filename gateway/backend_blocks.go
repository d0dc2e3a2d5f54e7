package gateway

import (
	"bytes"
	"context"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/path"
	"github.com/ipfs/rawgw/path/resolver"
	"github.com/ipfs/rawgw/unixfs"

	blocks "github.com/ipfs/go-block-format"
)

// BlocksBackend is an [IPFSBackend] over a local [blockstore.Blockstore].
type BlocksBackend struct {
	blocks   blockstore.Blockstore
	resolver resolver.Resolver
}

var _ IPFSBackend = (*BlocksBackend)(nil)

type blocksBackendOptions struct {
	resolver resolver.Resolver
}

// BlocksBackendOption is an option for [NewBlocksBackend].
type BlocksBackendOption func(options *blocksBackendOptions) error

// WithResolver sets the [resolver.Resolver] to use with the [BlocksBackend].
func WithResolver(r resolver.Resolver) BlocksBackendOption {
	return func(options *blocksBackendOptions) error {
		options.resolver = r
		return nil
	}
}

// NewBlocksBackend creates a new [BlocksBackend] reading from bs.
func NewBlocksBackend(bs blockstore.Blockstore, opts ...BlocksBackendOption) (*BlocksBackend, error) {
	var compiledOptions blocksBackendOptions
	for _, o := range opts {
		if err := o(&compiledOptions); err != nil {
			return nil, err
		}
	}

	r := compiledOptions.resolver
	if r == nil {
		r = resolver.NewBasicResolver(bs)
	}

	return &BlocksBackend{
		blocks:   bs,
		resolver: r,
	}, nil
}

func (bb *BlocksBackend) GetBlock(ctx context.Context, p path.ImmutablePath) (ContentPathMetadata, blocks.Block, error) {
	md, err := bb.ResolvePath(ctx, p)
	if err != nil {
		return md, nil, err
	}

	blk, err := bb.blocks.Get(ctx, md.LastSegment.RootCid())
	if err != nil {
		return md, nil, err
	}
	return md, blk, nil
}

func (bb *BlocksBackend) Get(ctx context.Context, p path.ImmutablePath) (ContentPathMetadata, *GetResponse, error) {
	md, blk, err := bb.GetBlock(ctx, p)
	if err != nil {
		return md, nil, err
	}

	nd, err := unixfs.Decode(blk)
	if err != nil {
		return md, nil, err
	}

	switch nd.Kind {
	case unixfs.KindDirectory, unixfs.KindHAMTShard:
		return md, NewGetResponseFromDirectory(), nil
	case unixfs.KindRaw:
		return md, NewGetResponseFromReader(bytes.NewReader(nd.Data), int64(len(nd.Data))), nil
	}

	data, err := unixfs.ReadFile(ctx, bb.blocks, blk.Cid())
	if err != nil {
		return md, nil, err
	}
	return md, NewGetResponseFromReader(bytes.NewReader(data), int64(len(data))), nil
}

func (bb *BlocksBackend) ResolvePath(ctx context.Context, p path.ImmutablePath) (ContentPathMetadata, error) {
	res, err := bb.resolver.ResolvePath(ctx, p)
	if err != nil {
		return ContentPathMetadata{}, err
	}

	return ContentPathMetadata{
		PathSegmentRoots: res.SegmentRoots,
		LastSegment:      path.NewIPFSPath(res.Cid),
	}, nil
}

func (bb *BlocksBackend) IsCached(ctx context.Context, p path.Path) bool {
	if p.Mutable() {
		return false
	}
	ip, err := path.NewImmutablePath(p)
	if err != nil {
		return false
	}
	md, err := bb.ResolvePath(ctx, ip)
	if err != nil {
		return false
	}
	has, _ := bb.blocks.Has(ctx, md.LastSegment.RootCid())
	return has
}
