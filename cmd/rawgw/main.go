// Command rawgw serves the blocks of a local content store over an IPFS
// path gateway.
package main

import (
	"fmt"
	"os"

	"github.com/ipfs/rawgw/config"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("rawgw/cmd")

// Flags shared by every command that opens a repo.
var repoFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "datastore",
		Usage:   "datastore backend: memory, leveldb or badger",
		EnvVars: []string{"RAWGW_DATASTORE"},
	},
	&cli.StringFlag{
		Name:    "repo",
		Usage:   "directory of a leveldb or badger datastore",
		EnvVars: []string{"RAWGW_REPO"},
	},
}

// Flags selecting content to import.
var contentFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:    "car",
		Usage:   "CAR file to import, may be repeated",
		EnvVars: []string{"RAWGW_CAR"},
	},
	&cli.StringSliceFlag{
		Name:    "dir",
		Usage:   "file or directory to import as UnixFS, may be repeated",
		EnvVars: []string{"RAWGW_DIR"},
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rawgw",
		Usage: "IPFS path gateway serving raw blocks from a local store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "a YAML config file",
				EnvVars: []string{"RAWGW_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level for all rawgw loggers",
				EnvVars: []string{"RAWGW_LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			if lvl := cctx.String("log-level"); lvl != "" {
				return setLogLevel(lvl)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand,
			importCommand,
			exportCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func setLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

// loadConfig reads the config file, if any, and applies the flags and
// environment variables that were set on top of it.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if p := cctx.String("config"); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return config.Config{}, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()
		cfg, err = config.Read(f)
		if err != nil {
			return config.Config{}, err
		}
	}

	if cctx.IsSet("log-level") {
		cfg.Log.Level = cctx.String("log-level")
	}
	if cctx.IsSet("datastore") {
		cfg.Datastore.Type = cctx.String("datastore")
	}
	if cctx.IsSet("repo") {
		cfg.Datastore.Path = cctx.String("repo")
	}
	if cctx.IsSet("listen") {
		cfg.Gateway.ListenAddress = cctx.String("listen")
	}
	if cctx.IsSet("car") {
		cfg.Import.CARs = cctx.StringSlice("car")
	}
	if cctx.IsSet("dir") {
		cfg.Import.Dirs = cctx.StringSlice("dir")
	}
	if cctx.IsSet("trace-stdout") {
		cfg.Tracing.Stdout = cctx.Bool("trace-stdout")
	}
	if cctx.IsSet("max-concurrent-requests") {
		cfg.Gateway.MaxConcurrentRequests = cctx.Int("max-concurrent-requests")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
