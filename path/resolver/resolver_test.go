package resolver_test

import (
	"context"
	"testing"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/internal/fixtures"
	"github.com/ipfs/rawgw/path"
	"github.com/ipfs/rawgw/path/resolver"
	"github.com/ipfs/rawgw/unixfs"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustImmutable(t *testing.T, s string) path.ImmutablePath {
	t.Helper()
	p, err := path.NewPath(s)
	require.NoError(t, err)
	ip, err := path.NewImmutablePath(p)
	require.NoError(t, err)
	return ip
}

func TestRecursivePathResolution(t *testing.T) {
	ctx := context.Background()
	f, store := fixtures.MustLoad(t)
	r := resolver.NewBasicResolver(store)
	root := f.RootCID().String()

	testCases := []struct {
		path  string
		want  string
		roots []string
	}{
		{"/ipfs/" + root, "", nil},
		{"/ipfs/" + root + "/dir", "dir", []string{""}},
		{"/ipfs/" + root + "/dir/ascii.txt", "dir/ascii.txt", []string{"", "dir"}},
		{"/ipfs/" + root + "/dir/sub/nested.txt", "dir/sub/nested.txt", []string{"", "dir", "dir/sub"}},
		{"/ipfs/" + root + "/dir/hello world.txt", "dir/hello world.txt", []string{"", "dir"}},
		{"/ipfs/" + root + "/dir/ünicode.txt", "dir/ünicode.txt", []string{"", "dir"}},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			res, err := r.ResolvePath(ctx, mustImmutable(t, tc.path))
			require.NoError(t, err)
			assert.Equal(t, f.CID(tc.want), res.Cid)

			wantRoots := make([]cid.Cid, 0, len(tc.roots))
			for _, p := range tc.roots {
				wantRoots = append(wantRoots, f.CID(p))
			}
			assert.Equal(t, wantRoots, res.SegmentRoots)
		})
	}
}

func TestResolveMissingSegment(t *testing.T) {
	ctx := context.Background()
	f, store := fixtures.MustLoad(t)
	r := resolver.NewBasicResolver(store)

	for _, name := range []string{"missing.txt", "ASCII.txt", "ascii.tx", "ascii.txt "} {
		p := mustImmutable(t, "/ipfs/"+f.RootCID().String()+"/dir/"+name)
		_, err := r.ResolvePath(ctx, p)

		var noLink resolver.ErrNoLink
		require.ErrorAs(t, err, &noLink, name)
		assert.Equal(t, name, noLink.Name)
		assert.Equal(t, f.CID("dir"), noLink.Node)
	}
}

func TestResolveThroughFile(t *testing.T) {
	ctx := context.Background()
	f, store := fixtures.MustLoad(t)
	r := resolver.NewBasicResolver(store)

	testCases := []struct {
		path string
		node string
		kind unixfs.Kind
	}{
		{"dir/ascii.txt/foo", "dir/ascii.txt", unixfs.KindRaw},
		{"dir/big.bin/foo/bar", "dir/big.bin", unixfs.KindFile},
	}

	for _, tc := range testCases {
		_, err := r.ResolvePath(ctx, mustImmutable(t, "/ipfs/"+f.RootCID().String()+"/"+tc.path))

		var notDir resolver.ErrNotADirectory
		require.ErrorAs(t, err, &notDir)
		assert.Equal(t, "foo", notDir.Name)
		assert.Equal(t, f.CID(tc.node), notDir.Node)
		assert.Equal(t, tc.kind, notDir.Kind)
	}
}

func TestResolveThroughUndecodableNode(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))

	data := []byte{0xff, 0xff, 0xff, 0x01}
	c, err := cid.Prefix{Version: 1, Codec: cid.DagProtobuf, MhType: mh.SHA2_256, MhLength: -1}.Sum(data)
	require.NoError(t, err)
	blk, err := blocks.NewBlockWithCid(data, c)
	require.NoError(t, err)
	require.NoError(t, bs.Put(ctx, blk))

	_, err = resolver.NewBasicResolver(bs).ResolvePath(ctx, mustImmutable(t, "/ipfs/"+c.String()+"/x"))

	var notDir resolver.ErrNotADirectory
	require.ErrorAs(t, err, &notDir)
	assert.Equal(t, "x", notDir.Name)
	assert.Equal(t, c, notDir.Node)
	assert.Error(t, notDir.Unwrap())
}

func TestResolveMissingRoot(t *testing.T) {
	ctx := context.Background()
	_, store := fixtures.MustLoad(t)
	r := resolver.NewBasicResolver(store)

	missing := "bafkreiexl3x25g2cvijevv5ci4fke53542ktdprswm7vyp4z6ogudyefhi"

	// a lone root is not fetched
	res, err := r.ResolvePath(ctx, mustImmutable(t, "/ipfs/"+missing))
	require.NoError(t, err)
	assert.Equal(t, missing, res.Cid.String())

	_, err = r.ResolvePath(ctx, mustImmutable(t, "/ipfs/"+missing+"/a"))
	assert.True(t, ipld.IsNotFound(err))
}

func TestResolveCancelled(t *testing.T) {
	f, store := fixtures.MustLoad(t)
	r := resolver.NewBasicResolver(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ResolvePath(ctx, mustImmutable(t, "/ipfs/"+f.RootCID().String()+"/dir"))
	assert.ErrorIs(t, err, context.Canceled)
}
