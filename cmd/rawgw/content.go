package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/car"
	"github.com/ipfs/rawgw/config"
	"github.com/ipfs/rawgw/unixfs"

	"github.com/dustin/go-humanize"
	cid "github.com/ipfs/go-cid"
	"github.com/samber/lo"
)

// importContent loads every CAR and directory named in c into bs and
// returns the roots, in the order they were imported.
func importContent(ctx context.Context, bs blockstore.Blockstore, c config.Import) ([]cid.Cid, error) {
	var roots []cid.Cid

	for _, p := range c.CARs {
		r, err := importCAR(ctx, bs, p)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r...)
	}

	b := unixfs.NewBuilder(bs, unixfs.WithChunkSize(c.ChunkSize))
	for _, p := range c.Dirs {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		lnk, err := b.AddFS(ctx, os.DirFS(filepath.Dir(abs)), filepath.Base(abs), c.WrapWithDirectory)
		if err != nil {
			return nil, fmt.Errorf("importing %s: %w", p, err)
		}
		log.Infow("imported directory", "path", p, "root", lnk.Cid, "size", humanize.Bytes(lnk.Size))
		roots = append(roots, lnk.Cid)
	}

	return roots, nil
}

func importCAR(ctx context.Context, bs blockstore.Blockstore, p string) ([]cid.Cid, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	roots, err := car.Import(ctx, bs, f)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", p, err)
	}

	size := "unknown"
	if st, err := f.Stat(); err == nil {
		size = humanize.Bytes(uint64(st.Size()))
	}
	log.Infow("imported car", "path", p, "roots", rootStrings(roots), "size", size)
	return roots, nil
}

func rootStrings(roots []cid.Cid) []string {
	return lo.Map(roots, func(c cid.Cid, _ int) string {
		return c.String()
	})
}
