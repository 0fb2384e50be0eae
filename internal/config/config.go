// Package config loads the BleepStore YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file or a field is absent.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 9000
	DefaultRegion          = "us-east-1"
	DefaultAccessKey       = "bleepstore"
	DefaultSecretKey       = "bleepstore-secret"
	DefaultMetadataPath    = "./data/metadata.db"
	DefaultStorageRoot     = "./data/objects"
	DefaultShutdownSeconds = 30
	DefaultMaxObjectSize   = 5 << 30 // 5 GiB
)

// Config is the top-level BleepStore configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Metadata MetadataConfig `yaml:"metadata"`
	Storage  StorageConfig  `yaml:"storage"`
	Cluster  ClusterConfig  `yaml:"cluster"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Region is reported by GetBucketLocation and used as the SigV4 scope region.
	Region string `yaml:"region"`
	// ShutdownTimeout is the graceful-shutdown budget in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize caps single-PUT and per-part body sizes in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// LoggingConfig selects slog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig is the seed SigV4 credential pair.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// MetadataConfig selects and configures the metadata store engine.
type MetadataConfig struct {
	// Engine: sqlite | local | memory | dynamodb | firestore | cosmos.
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteMeta      `yaml:"sqlite"`
	Local     LocalMeta       `yaml:"local"`
	DynamoDB  DynamoDBMeta    `yaml:"dynamodb"`
	Firestore FirestoreMeta   `yaml:"firestore"`
	Cosmos    CosmosMetaConf  `yaml:"cosmos"`
}

// SQLiteMeta configures the SQLite metadata store.
type SQLiteMeta struct {
	Path string `yaml:"path"`
}

// LocalMeta configures the append-only JSONL metadata store.
type LocalMeta struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBMeta configures the DynamoDB metadata store.
type DynamoDBMeta struct {
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
	TablePrefix string `yaml:"table_prefix"`
}

// FirestoreMeta configures the Firestore metadata store.
type FirestoreMeta struct {
	Project          string `yaml:"project"`
	CredentialsFile  string `yaml:"credentials_file"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// CosmosMetaConf configures the Azure Cosmos DB metadata store.
type CosmosMetaConf struct {
	Endpoint        string `yaml:"endpoint"`
	Database        string `yaml:"database"`
	ContainerPrefix string `yaml:"container_prefix"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend: local | memory | sqlite | aws | gcp | azure.
	Backend string         `yaml:"backend"`
	Local   LocalStorage   `yaml:"local"`
	Memory  MemoryStorage  `yaml:"memory"`
	SQLite  SQLiteStorage  `yaml:"sqlite"`
	AWS     AWSStorage     `yaml:"aws"`
	GCP     GCPStorage     `yaml:"gcp"`
	Azure   AzureStorage   `yaml:"azure"`
}

// LocalStorage configures the filesystem backend.
type LocalStorage struct {
	RootDir string `yaml:"root_dir"`
}

// MemoryStorage configures the in-memory backend.
type MemoryStorage struct {
	// MaxSizeBytes bounds total stored bytes; 0 means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// Persistence: "none" (default) or "snapshot".
	Persistence             string `yaml:"persistence"`
	SnapshotPath            string `yaml:"snapshot_path"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
}

// SQLiteStorage configures the SQLite blob backend.
type SQLiteStorage struct {
	Path string `yaml:"path"`
}

// AWSStorage configures the S3 gateway backend.
type AWSStorage struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Prefix      string `yaml:"prefix"`
	EndpointURL string `yaml:"endpoint_url"`
	PathStyle   bool   `yaml:"path_style"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
}

// GCPStorage configures the GCS gateway backend.
type GCPStorage struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureStorage configures the Azure Blob gateway backend. Credentials come
// from AZURE_STORAGE_KEY, AZURE_STORAGE_CONNECTION_STRING, or
// AZURE_STORAGE_SAS_TOKEN, falling back to the default credential chain.
type AzureStorage struct {
	Container  string `yaml:"container"`
	Account    string `yaml:"account"`
	AccountURL string `yaml:"account_url"`
	Prefix     string `yaml:"prefix"`
}

// ClusterConfig gates the (inert) Raft node.
type ClusterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeID   string   `yaml:"node_id"`
	BindAddr string   `yaml:"bind_addr"`
	Peers    []string `yaml:"peers"`
}

// Load reads the YAML file at path, falling back to bleepstore.example.yaml
// beside it (or one directory up) and finally to built-in defaults for any
// field the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		for _, fallback := range []string{
			filepath.Join(filepath.Dir(path), "bleepstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepstore.example.yaml"),
		} {
			if d, ferr := os.ReadFile(fallback); ferr == nil {
				data, err = d, nil
				break
			}
		}
	}
	if err != nil {
		// No file anywhere: run on pure defaults.
		cfg.fillDefaults()
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Region == "" {
		c.Server.Region = DefaultRegion
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownSeconds
	}
	if c.Server.MaxObjectSize == 0 {
		c.Server.MaxObjectSize = DefaultMaxObjectSize
	}
	if c.Auth.AccessKey == "" {
		c.Auth.AccessKey = DefaultAccessKey
	}
	if c.Auth.SecretKey == "" {
		c.Auth.SecretKey = DefaultSecretKey
	}
	if c.Metadata.Engine == "" {
		c.Metadata.Engine = "sqlite"
	}
	if c.Metadata.SQLite.Path == "" {
		c.Metadata.SQLite.Path = DefaultMetadataPath
	}
	if c.Metadata.Local.RootDir == "" {
		c.Metadata.Local.RootDir = "./data/metadata"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Local.RootDir == "" {
		c.Storage.Local.RootDir = DefaultStorageRoot
	}
	if c.Storage.Memory.Persistence == "" {
		c.Storage.Memory.Persistence = "none"
	}
	if c.Storage.Memory.SnapshotIntervalSeconds == 0 {
		c.Storage.Memory.SnapshotIntervalSeconds = 60
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "./data/storage.db"
	}
}

// ListenAddr returns the host:port pair the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
