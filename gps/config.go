package gps

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config collects everything needed to build a Context: where to read the
// backing collections from, and how large the caches should be. It is
// normally loaded from a YAML file via LoadConfig.
type Config struct {
	Mongo MongoConfig `yaml:"mongo"`

	// ChunkCacheCap bounds the in-memory chunk-body LRU entry count.
	// Defaults to 200,000 when zero.
	ChunkCacheCap int `yaml:"chunk_cache_cap"`

	// DiskCachePath, if set, layers a BoltDB-backed second-level chunk
	// cache at this file path beneath the in-memory LRU.
	DiskCachePath string `yaml:"disk_cache_path"`

	// MaxRounds is the engine's per-resolution round budget. Defaults to
	// 100 when zero.
	MaxRounds int `yaml:"max_rounds"`
}

// MongoConfig names the backing collections the Store reads from. Field
// names mirror the "logical" collection names from the external
// interfaces: per-node identity, per-name, per-node python/time,
// per-node direct-deps, per-edge-group headers, per-chunk bodies.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	NodeIDsCollection    string `yaml:"node_ids_collection"`
	NameIDsCollection    string `yaml:"name_ids_collection"`
	NodeTimesCollection  string `yaml:"node_times_collection"`
	AdjDepsCollection    string `yaml:"adj_deps_collection"`
	AdjHeadersCollection string `yaml:"adj_headers_collection"`
	AdjChunksCollection  string `yaml:"adj_chunks_collection"`
}

// DefaultConfig returns a Config with the default database and
// global_graph_* collection names, suitable as a starting point for
// LoadConfig overrides.
func DefaultConfig() Config {
	return Config{
		ChunkCacheCap: 200000,
		MaxRounds:     100,
		Mongo: MongoConfig{
			Database:             "pypi_dump",
			NodeIDsCollection:    "global_graph_node_ids",
			NameIDsCollection:    "global_graph_name_ids",
			NodeTimesCollection:  "global_graph_requires_python_with_timestamps",
			AdjDepsCollection:    "global_graph_adj_deps",
			AdjHeadersCollection: "global_graph_adj_headers",
			AdjChunksCollection:  "global_graph_adj_chunks",
		},
	}
}

// LoadConfig reads a YAML config file at path, overlaying it onto
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(f, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config file %s", path)
	}
	if cfg.Mongo.URI == "" {
		return Config{}, errors.Errorf("config %s: mongo.uri is required", path)
	}
	return cfg, nil
}
