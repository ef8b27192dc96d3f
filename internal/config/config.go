package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	EngineMongoDB = "mongodb"
	EngineSQLite  = "sqlite"

	DefaultEngine         = EngineSQLite
	DefaultLogLevel       = "info"
	DefaultMongoHost      = "localhost"
	DefaultMongoPort      = 27017
	DefaultMongoDatabase  = "test"
	DefaultBucketName     = "fs"
	DefaultChunkSizeBytes = 255 * 1024
	DefaultSQLitePath     = "gridstore.sqlite"
	DefaultMarker         = "mongo-storage"

	envPrefix = "GRIDSTORE_"
)

// MongoConfig describes how to reach the MongoDB deployment holding the
// GridFS bucket.
type MongoConfig struct {
	// URL is used verbatim when set; otherwise it is built from the
	// discrete fields below.
	URL            string `toml:"url"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Database       string `toml:"database"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	Bucket         string `toml:"bucket"`
	ChunkSizeBytes int32  `toml:"chunk_size_bytes"`
}

// SQLiteConfig describes the embedded engine.
type SQLiteConfig struct {
	Path           string `toml:"path"`
	ChunkSizeBytes int32  `toml:"chunk_size_bytes"`
}

// StoreConfig holds settings for the record layer itself.
type StoreConfig struct {
	// Marker is the metadata key flagging records owned by this store.
	Marker string `toml:"marker"`
}

// Config defines runtime configuration for gridstore.
type Config struct {
	Engine   string       `toml:"engine"`
	LogLevel string       `toml:"log_level"`
	MongoDB  MongoConfig  `toml:"mongodb"`
	SQLite   SQLiteConfig `toml:"sqlite"`
	Store    StoreConfig  `toml:"store"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		Engine:   DefaultEngine,
		LogLevel: DefaultLogLevel,
		MongoDB: MongoConfig{
			Host:           DefaultMongoHost,
			Port:           DefaultMongoPort,
			Database:       DefaultMongoDatabase,
			Bucket:         DefaultBucketName,
			ChunkSizeBytes: DefaultChunkSizeBytes,
		},
		SQLite: SQLiteConfig{
			Path:           DefaultSQLitePath,
			ChunkSizeBytes: DefaultChunkSizeBytes,
		},
		Store: StoreConfig{
			Marker: DefaultMarker,
		},
	}
}

// Load returns the defaults, overlaid with the TOML file at path (if path
// is non-empty and the file exists) and then with GRIDSTORE_* environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, set func(int64)) error {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, v, err)
		}
		set(n)
		return nil
	}

	str("ENGINE", &cfg.Engine)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("MONGODB_URL", &cfg.MongoDB.URL)
	str("MONGODB_HOST", &cfg.MongoDB.Host)
	str("MONGODB_DATABASE", &cfg.MongoDB.Database)
	str("MONGODB_USERNAME", &cfg.MongoDB.Username)
	str("MONGODB_PASSWORD", &cfg.MongoDB.Password)
	str("MONGODB_BUCKET", &cfg.MongoDB.Bucket)
	str("SQLITE_PATH", &cfg.SQLite.Path)
	str("STORE_MARKER", &cfg.Store.Marker)

	if err := num("MONGODB_PORT", func(n int64) { cfg.MongoDB.Port = int(n) }); err != nil {
		return err
	}
	if err := num("MONGODB_CHUNK_SIZE_BYTES", func(n int64) { cfg.MongoDB.ChunkSizeBytes = int32(n) }); err != nil {
		return err
	}
	return num("SQLITE_CHUNK_SIZE_BYTES", func(n int64) { cfg.SQLite.ChunkSizeBytes = int32(n) })
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineMongoDB, EngineSQLite:
	default:
		return fmt.Errorf("unknown engine %q (want %q or %q)", c.Engine, EngineMongoDB, EngineSQLite)
	}
	if strings.TrimSpace(c.Store.Marker) == "" {
		return fmt.Errorf("store marker must not be empty")
	}
	if strings.ContainsAny(c.Store.Marker, ".$") {
		return fmt.Errorf("store marker %q must not contain '.' or '$'", c.Store.Marker)
	}
	if c.MongoDB.ChunkSizeBytes < 0 || c.SQLite.ChunkSizeBytes < 0 {
		return fmt.Errorf("chunk size must not be negative")
	}
	return nil
}

// ConnectionURL returns the MongoDB connection string. An explicit URL
// wins; otherwise one is assembled from host, port, database and the
// optional credentials.
func (m MongoConfig) ConnectionURL() string {
	if m.URL != "" {
		return m.URL
	}

	host := m.Host
	if host == "" {
		host = DefaultMongoHost
	}
	port := m.Port
	if port == 0 {
		port = DefaultMongoPort
	}
	database := m.Database
	if database == "" {
		database = DefaultMongoDatabase
	}

	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	if m.Username != "" && m.Password != "" {
		u.User = url.UserPassword(m.Username, m.Password)
	}
	return u.String()
}

// DatabaseName returns the database to open. The path component of an
// explicit URL wins over Database, which falls back to the default.
func (m MongoConfig) DatabaseName() string {
	if m.URL != "" {
		if u, err := url.Parse(m.URL); err == nil {
			if name := strings.Trim(u.Path, "/"); name != "" {
				return name
			}
		}
	}
	if m.Database != "" {
		return m.Database
	}
	return DefaultMongoDatabase
}

// String renders the configuration with credentials masked.
func (c Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "engine=%s log_level=%s marker=%s", c.Engine, c.LogLevel, c.Store.Marker)
	switch c.Engine {
	case EngineMongoDB:
		redacted := "(invalid)"
		if u, err := url.Parse(c.MongoDB.ConnectionURL()); err == nil {
			redacted = u.Redacted()
		}
		fmt.Fprintf(&sb, " url=%s bucket=%s chunk_size=%d", redacted, c.MongoDB.Bucket, c.MongoDB.ChunkSizeBytes)
	case EngineSQLite:
		fmt.Fprintf(&sb, " path=%s chunk_size=%d", c.SQLite.Path, c.SQLite.ChunkSizeBytes)
	}
	return sb.String()
}
