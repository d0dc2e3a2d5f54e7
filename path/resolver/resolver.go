// Package resolver walks content paths over UnixFS directories.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ipfs/rawgw/path"
	"github.com/ipfs/rawgw/path/internal"
	"github.com/ipfs/rawgw/unixfs"

	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rawgw/resolver")

// ErrShardedDirectory is returned when a path crosses a HAMT-sharded
// directory, which this resolver cannot walk.
var ErrShardedDirectory = errors.New("sharded directories are not supported")

// ErrNoLink is returned when a link is not found in a path
type ErrNoLink struct {
	Name string
	Node cid.Cid
}

// Error implements the Error interface for ErrNoLink with a useful
// human readable message.
func (e ErrNoLink) Error() string {
	return fmt.Sprintf("no link named %q under %s", e.Name, e.Node.String())
}

// ErrNotADirectory is returned when a path segment has to be looked up
// inside a node that is not a directory, such as a file or a raw leaf. Err
// is set when the node could not be decoded at all.
type ErrNotADirectory struct {
	Name string
	Node cid.Cid
	Kind unixfs.Kind
	Err  error
}

func (e ErrNotADirectory) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot resolve %q: %s is not a directory: %s", e.Name, e.Node.String(), e.Err)
	}
	return fmt.Sprintf("cannot resolve %q: %s is a %s, not a directory", e.Name, e.Node.String(), e.Kind)
}

func (e ErrNotADirectory) Unwrap() error {
	return e.Err
}

// Resolved is the outcome of walking a path.
type Resolved struct {
	// Cid is the terminal node of the path.
	Cid cid.Cid

	// SegmentRoots holds the CID of every node visited before the
	// terminal one, starting with the root of the path.
	SegmentRoots []cid.Cid
}

// Resolver resolves content paths to CIDs.
type Resolver interface {
	// ResolvePath walks p from its root CID, one directory lookup per
	// segment. A missing segment yields ErrNoLink, a lookup under a
	// non-directory yields ErrNotADirectory and a missing block yields the
	// content store's not-found error.
	ResolvePath(ctx context.Context, p path.ImmutablePath) (Resolved, error)
}

type basicResolver struct {
	blocks unixfs.BlockGetter
}

// NewBasicResolver constructs a resolver reading nodes from bg.
func NewBasicResolver(bg unixfs.BlockGetter) Resolver {
	return &basicResolver{blocks: bg}
}

func (r *basicResolver) ResolvePath(ctx context.Context, p path.ImmutablePath) (Resolved, error) {
	ctx, span := internal.StartSpan(ctx, "basicResolver.ResolvePath", trace.WithAttributes(attribute.Stringer("Path", p)))
	defer span.End()

	current := p.RootCid()
	segments := p.Remainder()
	roots := make([]cid.Cid, 0, len(segments))

	for _, name := range segments {
		if err := ctx.Err(); err != nil {
			return Resolved{}, err
		}

		blk, err := r.blocks.Get(ctx, current)
		if err != nil {
			return Resolved{}, fmt.Errorf("resolving %q under %s: %w", name, current, err)
		}
		nd, err := unixfs.Decode(blk)
		if err != nil {
			return Resolved{}, ErrNotADirectory{Name: name, Node: current, Kind: unixfs.KindOther, Err: err}
		}

		switch nd.Kind {
		case unixfs.KindDirectory:
		case unixfs.KindHAMTShard:
			return Resolved{}, fmt.Errorf("resolving %q under %s: %w", name, current, ErrShardedDirectory)
		default:
			return Resolved{}, ErrNotADirectory{Name: name, Node: current, Kind: nd.Kind}
		}

		lnk, ok := nd.Lookup(name)
		if !ok {
			return Resolved{}, ErrNoLink{Name: name, Node: current}
		}
		log.Debugw("resolved segment", "name", name, "parent", current, "cid", lnk.Cid)

		roots = append(roots, current)
		current = lnk.Cid
	}

	span.SetAttributes(attribute.Stringer("Cid", current))
	return Resolved{Cid: current, SegmentRoots: roots}, nil
}
