// Package fixtures builds the "dir" content tree used by tests: a wrapped
// directory imported as CIDv1 with raw leaves.
package fixtures

import (
	"bytes"
	"context"
	"fmt"
	gopath "path"
	"sort"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/unixfs"

	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

// ChunkSize is small so that big.bin spans several leaves.
const ChunkSize = 1024

// Dir is the source tree of the fixture. It is imported wrapped, so the
// fixture root holds a single "dir" entry.
var Dir = fstest.MapFS{
	"dir/ascii.txt":       {Data: []byte("hello")},
	"dir/hello world.txt": {Data: []byte("hello world\n")},
	"dir/ünicode.txt":     {Data: []byte("unicode")},
	"dir/sub/nested.txt":  {Data: []byte("nested")},
	"dir/big.bin":         {Data: bytes.Repeat([]byte("0123456789abcdef"), 200)},
}

type Fixture struct {
	root   cid.Cid
	blocks blockstore.Blockstore
}

// Load imports Dir into bs.
func Load(ctx context.Context, bs blockstore.Blockstore) (*Fixture, error) {
	root, err := unixfs.NewBuilder(bs, unixfs.WithChunkSize(ChunkSize)).AddFS(ctx, Dir, "dir", true)
	if err != nil {
		return nil, fmt.Errorf("importing fixture: %w", err)
	}
	return &Fixture{root: root.Cid, blocks: bs}, nil
}

// MustLoad imports the fixture into a fresh store and returns it with an
// immutable snapshot of that store.
func MustLoad(t testing.TB) (*Fixture, *blockstore.Frozen) {
	t.Helper()
	ctx := context.Background()

	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	f, err := Load(ctx, bs)
	require.NoError(t, err)

	frozen, err := blockstore.Freeze(ctx, bs)
	require.NoError(t, err)
	f.blocks = frozen
	return f, frozen
}

func (f *Fixture) RootCID() cid.Cid {
	return f.root
}

// CID returns the CID of the node at p, relative to the root. It panics if
// p does not exist in the fixture.
func (f *Fixture) CID(p string) cid.Cid {
	c, err := f.lookup(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Bytes returns the raw block behind p.
func (f *Fixture) Bytes(p string) []byte {
	blk, err := f.blocks.Get(context.Background(), f.CID(p))
	if err != nil {
		panic(err)
	}
	return blk.RawData()
}

// String returns the raw block behind p as a string.
func (f *Fixture) String(p string) string {
	return string(f.Bytes(p))
}

// Len returns the length of the raw block behind p.
func (f *Fixture) Len(p string) int {
	return len(f.Bytes(p))
}

// Children lists every path below p, depth first, sorted by name.
func (f *Fixture) Children(p string) []string {
	var out []string
	var walk func(string)
	walk = func(dir string) {
		nd := f.node(f.CID(dir))
		names := make([]string, 0, len(nd.Links))
		for _, l := range nd.Links {
			names = append(names, l.Name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := gopath.Join(dir, name)
			out = append(out, child)
			if f.node(f.CID(child)).IsDir() {
				walk(child)
			}
		}
	}
	walk(p)
	return out
}

func (f *Fixture) node(c cid.Cid) *unixfs.Node {
	blk, err := f.blocks.Get(context.Background(), c)
	if err != nil {
		panic(err)
	}
	nd, err := unixfs.Decode(blk)
	if err != nil {
		panic(err)
	}
	return nd
}

func (f *Fixture) lookup(p string) (cid.Cid, error) {
	current := f.root
	for _, name := range splitPath(p) {
		lnk, ok := f.node(current).Lookup(name)
		if !ok {
			return cid.Undef, fmt.Errorf("fixture has no %q", p)
		}
		current = lnk.Cid
	}
	return current, nil
}

func splitPath(p string) []string {
	p = gopath.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}
