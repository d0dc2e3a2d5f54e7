package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ipfs/rawgw/car"
	"github.com/ipfs/rawgw/config"
	"github.com/ipfs/rawgw/repo"

	cid "github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

var errNeedPersistentRepo = errors.New("a leveldb or badger datastore is required")

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "import CAR files and directories into a persistent repo",
	Flags: append(append([]cli.Flag{}, repoFlags...), contentFlags...),
	Action: func(cctx *cli.Context) (err error) {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cfg.Datastore.Type == config.DatastoreMemory {
			return errNeedPersistentRepo
		}
		if len(cfg.Import.CARs) == 0 && len(cfg.Import.Dirs) == 0 {
			return errors.New("nothing to import, use --car or --dir")
		}

		r, err := repo.Open(cfg.Datastore, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, r.Close())
		}()

		roots, err := importContent(cctx.Context, r.Blockstore(), cfg.Import)
		if err != nil {
			return err
		}
		if err := r.Sync(cctx.Context); err != nil {
			return err
		}
		for _, root := range rootStrings(roots) {
			fmt.Fprintln(cctx.App.Writer, root)
		}
		return nil
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "write the DAGs below the given roots to a CAR file",
	Flags: append([]cli.Flag{
		&cli.StringSliceFlag{
			Name:     "root",
			Usage:    "root CID to export, may be repeated",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "out",
			Usage:    "output CAR file",
			Required: true,
		},
	}, repoFlags...),
	Action: func(cctx *cli.Context) (err error) {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cfg.Datastore.Type == config.DatastoreMemory {
			return errNeedPersistentRepo
		}

		var roots []cid.Cid
		for _, s := range cctx.StringSlice("root") {
			c, err := cid.Decode(s)
			if err != nil {
				return fmt.Errorf("invalid root %q: %w", s, err)
			}
			roots = append(roots, c)
		}

		r, err := repo.Open(cfg.Datastore, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, r.Close())
		}()

		f, err := os.Create(cctx.String("out"))
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, f.Close())
		}()

		return car.Export(cctx.Context, r.Blockstore(), f, roots)
	},
}
