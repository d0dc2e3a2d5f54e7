package unixfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	gopath "path"
	"sort"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/ipfs/go-unixfsnode/data"
	dagpb "github.com/ipld/go-codec-dagpb"
	"github.com/ipld/go-ipld-prime"
	_ "github.com/ipld/go-ipld-prime/codec/raw"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	basicnode "github.com/ipld/go-ipld-prime/node/basic"
	mh "github.com/multiformats/go-multihash"
)

// DefaultChunkSize is the size of raw leaves produced when importing files.
const DefaultChunkSize = 256 << 10

// DefaultMaxLinks is the maximum number of children of a file node in the
// balanced layout, matching go-unixfs' importer.
const DefaultMaxLinks = 174

var (
	rawLinkProto = cidlink.LinkPrototype{Prefix: cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   mh.SHA2_256,
		MhLength: 32,
	}}
	pbLinkProto = cidlink.LinkPrototype{Prefix: cid.Prefix{
		Version:  1,
		Codec:    cid.DagProtobuf,
		MhType:   mh.SHA2_256,
		MhLength: 32,
	}}
)

// BlockStore is the write side of a content store.
type BlockStore interface {
	BlockGetter
	GetSize(context.Context, cid.Cid) (int, error)
	Put(context.Context, blocks.Block) error
}

// Builder imports files and directories as CIDv1 UnixFS DAGs with raw
// leaves.
type Builder struct {
	store     BlockStore
	lsys      ipld.LinkSystem
	chunkSize int
	maxLinks  int
}

type Option func(*Builder)

// WithChunkSize sets the maximum size of a raw leaf.
func WithChunkSize(size int) Option {
	return func(b *Builder) {
		if size > 0 {
			b.chunkSize = size
		}
	}
}

// WithMaxLinks sets the maximum number of children of a file node. Values
// below two are ignored.
func WithMaxLinks(n int) Option {
	return func(b *Builder) {
		if n > 1 {
			b.maxLinks = n
		}
	}
}

func NewBuilder(store BlockStore, opts ...Option) *Builder {
	b := &Builder{
		store:     store,
		chunkSize: DefaultChunkSize,
		maxLinks:  DefaultMaxLinks,
	}
	for _, opt := range opts {
		opt(b)
	}

	lsys := cidlink.DefaultLinkSystem()
	lsys.StorageWriteOpener = func(lctx ipld.LinkContext) (io.Writer, ipld.BlockWriteCommitter, error) {
		buf := bytes.Buffer{}
		return &buf, func(lnk ipld.Link) error {
			clnk, ok := lnk.(cidlink.Link)
			if !ok {
				return fmt.Errorf("incorrect link type %v", lnk)
			}
			blk, err := blocks.NewBlockWithCid(buf.Bytes(), clnk.Cid)
			if err != nil {
				return err
			}
			return store.Put(contextOrBackground(lctx.Ctx), blk)
		}, nil
	}
	b.lsys = lsys
	return b
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// AddFile imports the content of r. Content that fits in a single chunk
// becomes a lone raw block; anything larger becomes a balanced tree of
// dag-pb file nodes over raw leaves, each node holding at most maxLinks
// children.
func (b *Builder) AddFile(ctx context.Context, r io.Reader) (Link, error) {
	var leaves []fileChild

	buf := make([]byte, b.chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			lnk, serr := b.lsys.Store(ipld.LinkContext{Ctx: ctx}, rawLinkProto, basicnode.NewBytes(append([]byte(nil), buf[:n]...)))
			if serr != nil {
				return Link{}, serr
			}
			leaves = append(leaves, fileChild{
				link:     Link{Cid: lnk.(cidlink.Link).Cid, Size: uint64(n)},
				fileSize: uint64(n),
			})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return Link{}, err
		}
	}

	if len(leaves) == 0 {
		// empty files are a single empty raw block
		lnk, err := b.lsys.Store(ipld.LinkContext{Ctx: ctx}, rawLinkProto, basicnode.NewBytes(nil))
		if err != nil {
			return Link{}, err
		}
		return Link{Cid: lnk.(cidlink.Link).Cid}, nil
	}

	level := leaves
	for len(level) > 1 {
		next := make([]fileChild, 0, (len(level)+b.maxLinks-1)/b.maxLinks)
		for start := 0; start < len(level); start += b.maxLinks {
			end := start + b.maxLinks
			if end > len(level) {
				end = len(level)
			}
			parent, err := b.addFileNode(ctx, level[start:end])
			if err != nil {
				return Link{}, err
			}
			next = append(next, parent)
		}
		level = next
	}
	return level[0].link, nil
}

// fileChild is a link inside a file DAG along with the number of file bytes
// below it, which is what blocksizes records.
type fileChild struct {
	link     Link
	fileSize uint64
}

func (b *Builder) addFileNode(ctx context.Context, children []fileChild) (fileChild, error) {
	links := make([]Link, len(children))
	sizes := make([]uint64, len(children))
	var total uint64
	for i, c := range children {
		links[i] = c.link
		sizes[i] = c.fileSize
		total += c.fileSize
	}

	ufsData, err := buildUnixFSData(data.Data_File, total, sizes)
	if err != nil {
		return fileChild{}, err
	}
	lnk, err := b.storePBNode(ctx, ufsData, links)
	if err != nil {
		return fileChild{}, err
	}
	return fileChild{link: lnk, fileSize: total}, nil
}

// AddDirectory stores a UnixFS directory holding entries. Links are sorted
// by name, and duplicate names are rejected.
func (b *Builder) AddDirectory(ctx context.Context, entries []Link) (Link, error) {
	sorted := append([]Link(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return Link{}, fmt.Errorf("duplicate directory entry %q", sorted[i].Name)
		}
	}

	ufsData, err := buildUnixFSData(data.Data_Directory, 0, nil)
	if err != nil {
		return Link{}, err
	}
	return b.storePBNode(ctx, ufsData, sorted)
}

// AddFS imports the file or directory at root inside fsys. With wrap set,
// the result is a new directory containing the imported entry under its
// base name.
func (b *Builder) AddFS(ctx context.Context, fsys fs.FS, root string, wrap bool) (Link, error) {
	lnk, err := b.addPath(ctx, fsys, root)
	if err != nil {
		return Link{}, err
	}
	if !wrap {
		return lnk, nil
	}

	name := gopath.Base(root)
	if name == "." || name == "/" {
		return Link{}, fmt.Errorf("cannot wrap %q: no base name", root)
	}
	lnk.Name = name
	return b.AddDirectory(ctx, []Link{lnk})
}

func (b *Builder) addPath(ctx context.Context, fsys fs.FS, p string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return Link{}, err
	}
	info, err := fs.Stat(fsys, p)
	if err != nil {
		return Link{}, err
	}

	switch {
	case info.IsDir():
		entries, err := fs.ReadDir(fsys, p)
		if err != nil {
			return Link{}, err
		}
		links := make([]Link, 0, len(entries))
		for _, e := range entries {
			lnk, err := b.addPath(ctx, fsys, gopath.Join(p, e.Name()))
			if err != nil {
				return Link{}, err
			}
			lnk.Name = e.Name()
			links = append(links, lnk)
		}
		return b.AddDirectory(ctx, links)
	case info.Mode().IsRegular():
		f, err := fsys.Open(p)
		if err != nil {
			return Link{}, err
		}
		defer f.Close()
		return b.AddFile(ctx, f)
	default:
		return Link{}, fmt.Errorf("cannot import non regular file: %s", p)
	}
}

func buildUnixFSData(dataType int64, fileSize uint64, blockSizes []uint64) (data.UnixFSData, error) {
	nd, err := qp.BuildMap(data.Type.UnixFSData, -1, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "DataType", qp.Int(dataType))
		if dataType == data.Data_File {
			qp.MapEntry(ma, "FileSize", qp.Int(int64(fileSize)))
		}
		qp.MapEntry(ma, "BlockSizes", qp.List(int64(len(blockSizes)), func(la ipld.ListAssembler) {
			for _, bs := range blockSizes {
				qp.ListEntry(la, qp.Int(int64(bs)))
			}
		}))
	})
	if err != nil {
		return nil, err
	}
	return nd.(data.UnixFSData), nil
}

// storePBNode writes a dag-pb node and returns a link whose size is the
// cumulative size of the DAG below it.
func (b *Builder) storePBNode(ctx context.Context, ufsData data.UnixFSData, links []Link) (Link, error) {
	pbn, err := qp.BuildMap(dagpb.Type.PBNode, 2, func(ma ipld.MapAssembler) {
		qp.MapEntry(ma, "Data", qp.Bytes(data.EncodeUnixFSData(ufsData)))
		qp.MapEntry(ma, "Links", qp.List(int64(len(links)), func(la ipld.ListAssembler) {
			for _, l := range links {
				l := l
				qp.ListEntry(la, qp.Map(3, func(ma ipld.MapAssembler) {
					qp.MapEntry(ma, "Hash", qp.Link(cidlink.Link{Cid: l.Cid}))
					qp.MapEntry(ma, "Name", qp.String(l.Name))
					qp.MapEntry(ma, "Tsize", qp.Int(int64(l.Size)))
				}))
			}
		}))
	})
	if err != nil {
		return Link{}, err
	}

	lnk, err := b.lsys.Store(ipld.LinkContext{Ctx: ctx}, pbLinkProto, pbn)
	if err != nil {
		return Link{}, err
	}
	c := lnk.(cidlink.Link).Cid

	size, err := b.store.GetSize(ctx, c)
	if err != nil {
		return Link{}, err
	}
	total := uint64(size)
	for _, l := range links {
		total += l.Size
	}
	return Link{Cid: c, Size: total}, nil
}
