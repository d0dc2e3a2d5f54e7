// Package unixfs decodes and builds the UnixFS DAGs served by the gateway:
// dag-pb directories and files over raw leaves.
package unixfs

import (
	"context"
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/ipfs/go-unixfsnode/data"
	dagpb "github.com/ipld/go-codec-dagpb"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	mc "github.com/multiformats/go-multicodec"
)

type Kind int

const (
	// KindOther is any block that is neither a raw leaf nor UnixFS, such as
	// dag-cbor or dag-pb without UnixFS data.
	KindOther Kind = iota
	KindRaw
	KindFile
	KindDirectory
	KindHAMTShard
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindHAMTShard:
		return "hamt-shard"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Link is a named edge of a dag-pb node. Size is the cumulative size of
// the linked DAG (Tsize).
type Link struct {
	Name string
	Cid  cid.Cid
	Size uint64
}

// Node is the decoded view of a block.
type Node struct {
	Cid  cid.Cid
	Kind Kind

	// Links are kept in the order stored in the block.
	Links []Link

	// Data is the whole block for raw leaves, and the inline UnixFS data
	// for dag-pb nodes.
	Data []byte

	FileSize   uint64
	BlockSizes []uint64
}

// BlockGetter is the read side of a content store.
type BlockGetter interface {
	Get(context.Context, cid.Cid) (blocks.Block, error)
}

var ErrNotFile = errors.New("not a unixfs file")

// Decode interprets blk as a DAG node. Blocks of unknown codecs decode to
// KindOther with no links.
func Decode(blk blocks.Block) (*Node, error) {
	c := blk.Cid()
	switch mc.Code(c.Prefix().Codec) {
	case mc.Raw:
		raw := blk.RawData()
		return &Node{Cid: c, Kind: KindRaw, Data: raw, FileSize: uint64(len(raw))}, nil
	case mc.DagPb:
		return decodeDagPB(c, blk.RawData())
	default:
		return &Node{Cid: c, Kind: KindOther}, nil
	}
}

func decodeDagPB(c cid.Cid, raw []byte) (*Node, error) {
	nb := dagpb.Type.PBNode.NewBuilder()
	if err := dagpb.DecodeBytes(nb, raw); err != nil {
		return nil, fmt.Errorf("decoding dag-pb node %s: %w", c, err)
	}
	pbn := nb.Build().(dagpb.PBNode)

	nd := &Node{Cid: c, Kind: KindOther}

	links := pbn.FieldLinks()
	nd.Links = make([]Link, 0, links.Length())
	itr := links.Iterator()
	for !itr.Done() {
		_, pbl := itr.Next()
		lnk, ok := pbl.FieldHash().Link().(cidlink.Link)
		if !ok {
			return nil, fmt.Errorf("dag-pb node %s has a non-cid link", c)
		}
		l := Link{Cid: lnk.Cid}
		if pbl.FieldName().Exists() {
			l.Name = pbl.FieldName().Must().String()
		}
		if pbl.FieldTsize().Exists() {
			l.Size = uint64(pbl.FieldTsize().Must().Int())
		}
		nd.Links = append(nd.Links, l)
	}

	if !pbn.FieldData().Exists() {
		return nd, nil
	}
	ufsData, err := data.DecodeUnixFSData(pbn.FieldData().Must().Bytes())
	if err != nil {
		// valid dag-pb, but not UnixFS
		return nd, nil
	}

	switch ufsData.FieldDataType().Int() {
	case data.Data_Directory:
		nd.Kind = KindDirectory
	case data.Data_HAMTShard:
		nd.Kind = KindHAMTShard
	case data.Data_File, data.Data_Raw:
		nd.Kind = KindFile
	case data.Data_Symlink:
		nd.Kind = KindSymlink
	}
	if ufsData.FieldData().Exists() {
		nd.Data = ufsData.FieldData().Must().Bytes()
	}
	if ufsData.FieldFileSize().Exists() {
		nd.FileSize = uint64(ufsData.FieldFileSize().Must().Int())
	} else if nd.Kind == KindFile {
		nd.FileSize = uint64(len(nd.Data))
	}
	bsItr := ufsData.FieldBlockSizes().Iterator()
	for !bsItr.Done() {
		_, bs := bsItr.Next()
		nd.BlockSizes = append(nd.BlockSizes, uint64(bs.Int()))
	}
	return nd, nil
}

// IsDir reports whether path segments can be looked up under n.
func (n *Node) IsDir() bool {
	return n.Kind == KindDirectory
}

// Lookup returns the first link whose name is exactly name.
func (n *Node) Lookup(name string) (Link, bool) {
	for _, l := range n.Links {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}

// ReadFile returns the content of the file rooted at c: the block itself for
// a raw leaf, or the concatenation of its leaves for a UnixFS file.
func ReadFile(ctx context.Context, bg BlockGetter, c cid.Cid) ([]byte, error) {
	blk, err := bg.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	nd, err := Decode(blk)
	if err != nil {
		return nil, err
	}
	switch nd.Kind {
	case KindRaw:
		return nd.Data, nil
	case KindFile:
	default:
		return nil, fmt.Errorf("%s is a %s: %w", c, nd.Kind, ErrNotFile)
	}

	out := make([]byte, 0, nd.FileSize)
	out = append(out, nd.Data...)
	for _, l := range nd.Links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := ReadFile(ctx, bg, l.Cid)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}
