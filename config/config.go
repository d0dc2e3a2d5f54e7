// Package config holds the configuration of the rawgw daemon.
package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Datastore backends understood by the repo package.
const (
	DatastoreMemory  = "memory"
	DatastoreLevelDB = "leveldb"
	DatastoreBadger  = "badger"
)

type Config struct {
	Gateway   Gateway   `yaml:"gateway"`
	Datastore Datastore `yaml:"datastore"`
	Import    Import    `yaml:"import"`
	Log       Log       `yaml:"log"`
	Tracing   Tracing   `yaml:"tracing"`
}

type Gateway struct {
	ListenAddress string `yaml:"listen_address"`

	// Headers are added to every gateway response, on top of the default
	// CORS headers.
	Headers map[string][]string `yaml:"headers,omitempty"`

	// DeserializedResponses enables serving file bytes for requests that do
	// not ask for an explicit response format.
	DeserializedResponses bool `yaml:"deserialized_responses"`

	// MaxConcurrentRequests limits in-flight gateway requests. Zero disables
	// the limit.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Datastore struct {
	Type       string `yaml:"type"`
	Path       string `yaml:"path"`
	CacheSize  int    `yaml:"cache_size"`
	HashOnRead bool   `yaml:"hash_on_read"`
}

// Import lists content loaded into the store when the daemon starts.
type Import struct {
	CARs              []string `yaml:"cars,omitempty"`
	Dirs              []string `yaml:"dirs,omitempty"`
	ChunkSize         int      `yaml:"chunk_size"`
	WrapWithDirectory bool     `yaml:"wrap_with_directory"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Tracing struct {
	Stdout bool `yaml:"stdout"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		Gateway: Gateway{
			ListenAddress:         "127.0.0.1:8080",
			Headers:               map[string][]string{},
			DeserializedResponses: true,
			MaxConcurrentRequests: 1024,
			ShutdownTimeout:       10 * time.Second,
		},
		Datastore: Datastore{
			Type:      DatastoreMemory,
			CacheSize: 64 << 10,
		},
		Import: Import{
			ChunkSize:         256 << 10,
			WrapWithDirectory: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Read decodes a YAML config on top of Default. Fields missing from the
// document keep their default values.
func Read(r io.Reader) (Config, error) {
	config := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("reading and decoding config: %w", err)
	}
	return config, nil
}

// Write encodes c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func (c Config) Validate() error {
	switch c.Datastore.Type {
	case DatastoreMemory:
	case DatastoreLevelDB, DatastoreBadger:
		if c.Datastore.Path == "" {
			return fmt.Errorf("datastore %q requires a path", c.Datastore.Type)
		}
	default:
		return fmt.Errorf("unknown datastore type %q", c.Datastore.Type)
	}
	if c.Datastore.CacheSize < 0 {
		return fmt.Errorf("datastore cache size must not be negative, got %d", c.Datastore.CacheSize)
	}
	if c.Import.ChunkSize <= 0 {
		return fmt.Errorf("import chunk size must be positive, got %d", c.Import.ChunkSize)
	}
	if c.Gateway.MaxConcurrentRequests < 0 {
		return fmt.Errorf("max concurrent requests must not be negative, got %d", c.Gateway.MaxConcurrentRequests)
	}
	if c.Gateway.ListenAddress == "" {
		return errors.New("gateway listen address is empty")
	}
	return nil
}
