// Package car moves blocks between a blockstore and CAR streams.
package car

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/unixfs"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/storage"
)

var log = logging.Logger("rawgw/car")

// importBatchSize bounds how many blocks are held in memory before they are
// written to the blockstore.
const importBatchSize = 1024

// Import reads a CARv1 or CARv2 stream into bs and returns the roots named
// in its header. Blocks are verified against their CIDs while reading.
func Import(ctx context.Context, bs blockstore.Blockstore, r io.Reader) ([]cid.Cid, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading car header: %w", err)
	}

	var (
		batch = make([]blocks.Block, 0, importBatchSize)
		count int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := bs.PutMany(ctx, batch); err != nil {
			return err
		}
		count += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading car block: %w", err)
		}
		batch = append(batch, blk)
		if len(batch) == importBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	log.Debugw("imported car", "roots", br.Roots, "blocks", count)
	return br.Roots, nil
}

// Export writes a CARv1 to w holding every block reachable from roots.
// Blocks are written in depth-first order, each at most once. Links are
// followed through dag-pb nodes; raw and other blocks are leaves.
func Export(ctx context.Context, bs blockstore.Blockstore, w io.Writer, roots []cid.Cid) error {
	if len(roots) == 0 {
		return errors.New("car export needs at least one root")
	}

	cw, err := storage.NewWritable(w, roots, carv2.WriteAsCarV1(true))
	if err != nil {
		return err
	}

	seen := cid.NewSet()
	var walk func(c cid.Cid) error
	walk = func(c cid.Cid) error {
		if !seen.Visit(c) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := bs.Get(ctx, c)
		if err != nil {
			return err
		}
		if err := cw.Put(ctx, c.KeyString(), blk.RawData()); err != nil {
			return err
		}
		nd, err := unixfs.Decode(blk)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", c, err)
		}
		for _, l := range nd.Links {
			if err := walk(l.Cid); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := walk(root); err != nil {
			return err
		}
	}

	log.Debugw("exported car", "roots", roots, "blocks", seen.Len())
	return cw.Finalize()
}
