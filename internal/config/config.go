package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Database      DatabaseConfig      `yaml:"database"`
	Network       NetworkConfig       `yaml:"network"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Sync          SyncConfig          `yaml:"sync"`
	FullSync      FullSyncConfig      `yaml:"full_sync"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// NodeConfig identifies this node inside the cluster
type NodeConfig struct {
	DataDir         string `yaml:"data_dir"`
	Name            string `yaml:"name"`
	IdentityFile    string `yaml:"identity_file"` // defaults to <data_dir>/node.yaml
	RegistrationKey string `yaml:"registration_key"`
}

// DatabaseConfig selects the backing store shared with the host application
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "postgres" or "sqlite"
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// NetworkConfig contains peer transport settings
type NetworkConfig struct {
	Port             int      `yaml:"port"`
	Protocol         string   `yaml:"protocol"`          // "quic" or "tcp"
	AdvertiseAddress string   `yaml:"advertise_address"` // empty means first non-loopback IPv4
	DialTimeout      int      `yaml:"dial_timeout"`      // seconds
	ExchangeTimeout  int      `yaml:"exchange_timeout"`  // seconds
	TransferTimeout  int      `yaml:"transfer_timeout"`  // seconds, whole full sync transfer
	Peers            []string `yaml:"peers"`             // static host:port list
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	Mode               string `yaml:"mode"` // "udp", "mdns" or "static"
	Port               int    `yaml:"port"`
	Interval           int    `yaml:"interval"`             // seconds
	LivenessMultiplier int    `yaml:"liveness_multiplier"`  // peers unseen for multiplier*interval are unreachable
	AnnouncementMaxAge int    `yaml:"announcement_max_age"` // seconds
	BroadcastAddress   string `yaml:"broadcast_address"`
}

// SyncConfig contains incremental sync settings
type SyncConfig struct {
	Interval       int    `yaml:"interval"` // seconds
	WorkerLimit    int    `yaml:"worker_limit"`
	BatchSize      int    `yaml:"batch_size"`
	Retention      string `yaml:"retention"`       // "keep_all" or "acknowledged"
	BackoffInitial int    `yaml:"backoff_initial"` // seconds
	BackoffMax     int    `yaml:"backoff_max"`     // seconds
	LogConflicts   bool   `yaml:"log_conflicts"`
}

// FullSyncConfig contains bulk transfer settings
type FullSyncConfig struct {
	SpoolDir             string `yaml:"spool_dir"`
	StuckTimeout         int    `yaml:"stuck_timeout"` // seconds without progress
	LockTTL              int    `yaml:"lock_ttl"`      // seconds, refreshed while the session progresses
	CompressionAlgorithm string `yaml:"compression_algorithm"`
	CompressionLevel     int    `yaml:"compression_level"`
	BandwidthLimit       int64  `yaml:"bandwidth_limit"` // bytes per second, 0 = unlimited
	RestoreBatchSize     int    `yaml:"restore_batch_size"`
	Verify               string `yaml:"verify"` // "none", "counts" or "checksums"
}

// ReplicationConfig lists the host tables replicated between nodes
type ReplicationConfig struct {
	Tables []TableConfig `yaml:"tables"`
}

// TableConfig describes one replicated table
type TableConfig struct {
	Name         string   `yaml:"name"`
	PrimaryKey   string   `yaml:"primary_key"`
	Columns      []string `yaml:"columns"`
	ExcludeWhere string   `yaml:"exclude_where"` // rows matching are never shipped in snapshots
}

// AdminConfig contains the operator HTTP surface settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	OTELendpoint   string `yaml:"otel_endpoint"`
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "/var/lib/dbsync",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			MaxOpenConns: 10,
		},
		Network: NetworkConfig{
			Port:            7420,
			Protocol:        "quic",
			DialTimeout:     10,
			ExchangeTimeout: 60,
			TransferTimeout: 3600,
			Peers:           []string{},
		},
		Discovery: DiscoveryConfig{
			Mode:               "udp",
			Port:               7421,
			Interval:           30,
			LivenessMultiplier: 3,
			AnnouncementMaxAge: 120,
			BroadcastAddress:   "255.255.255.255",
		},
		Sync: SyncConfig{
			Interval:       10,
			WorkerLimit:    4,
			BatchSize:      500,
			Retention:      "keep_all",
			BackoffInitial: 5,
			BackoffMax:     300,
		},
		FullSync: FullSyncConfig{
			StuckTimeout:         600,
			LockTTL:              900,
			CompressionAlgorithm: "zstd",
			CompressionLevel:     3,
			RestoreBatchSize:     1000,
			Verify:               "counts",
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7422",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
		},
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.RegistrationKey == "" {
		return fmt.Errorf("node.registration_key is required")
	}
	if len(c.Node.RegistrationKey) < 16 {
		return fmt.Errorf("node.registration_key must be at least 16 characters")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite'")
	}

	// Port 0 means "use any available port"
	if c.Network.Port != 0 && (c.Network.Port < 1024 || c.Network.Port > 65535) {
		return fmt.Errorf("network.port must be 0 or between 1024 and 65535")
	}
	if c.Network.Protocol != "quic" && c.Network.Protocol != "tcp" {
		return fmt.Errorf("network.protocol must be 'quic' or 'tcp'")
	}
	if c.Network.DialTimeout < 1 || c.Network.ExchangeTimeout < 1 || c.Network.TransferTimeout < 1 {
		return fmt.Errorf("network timeouts must be at least 1 second")
	}

	switch c.Discovery.Mode {
	case "udp", "mdns", "static":
	default:
		return fmt.Errorf("discovery.mode must be one of: udp, mdns, static")
	}
	if c.Discovery.Interval < 1 {
		return fmt.Errorf("discovery.interval must be at least 1 second")
	}
	if c.Discovery.LivenessMultiplier < 1 {
		return fmt.Errorf("discovery.liveness_multiplier must be at least 1")
	}

	if c.Sync.Interval < 1 {
		return fmt.Errorf("sync.interval must be at least 1 second")
	}
	if c.Sync.WorkerLimit < 1 || c.Sync.WorkerLimit > 64 {
		return fmt.Errorf("sync.worker_limit must be between 1 and 64")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Retention != "keep_all" && c.Sync.Retention != "acknowledged" {
		return fmt.Errorf("sync.retention must be 'keep_all' or 'acknowledged'")
	}

	if err := c.FullSync.Validate(); err != nil {
		return fmt.Errorf("full_sync config: %w", err)
	}
	if err := c.Replication.Validate(); err != nil {
		return fmt.Errorf("replication config: %w", err)
	}

	if c.Observability.LogLevel != "debug" &&
		c.Observability.LogLevel != "info" &&
		c.Observability.LogLevel != "warn" &&
		c.Observability.LogLevel != "error" {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// Validate validates full sync configuration
func (fc *FullSyncConfig) Validate() error {
	if fc.StuckTimeout < 1 {
		return fmt.Errorf("stuck_timeout must be at least 1 second")
	}
	if fc.LockTTL < fc.StuckTimeout {
		return fmt.Errorf("lock_ttl must not be shorter than stuck_timeout")
	}
	if fc.RestoreBatchSize < 1 {
		return fmt.Errorf("restore_batch_size must be positive")
	}
	if fc.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth_limit must not be negative")
	}

	switch fc.CompressionAlgorithm {
	case "zstd":
		if fc.CompressionLevel < 1 || fc.CompressionLevel > 22 {
			return fmt.Errorf("zstd level must be between 1 and 22")
		}
	case "lz4":
		if fc.CompressionLevel < 1 || fc.CompressionLevel > 9 {
			return fmt.Errorf("lz4 level must be between 1 and 9")
		}
	case "gzip":
		if fc.CompressionLevel < 1 || fc.CompressionLevel > 9 {
			return fmt.Errorf("gzip level must be between 1 and 9")
		}
	case "none":
	default:
		return fmt.Errorf("compression algorithm must be one of: zstd, lz4, gzip, none")
	}

	switch fc.Verify {
	case "none", "counts", "checksums":
	default:
		return fmt.Errorf("verify must be one of: none, counts, checksums")
	}
	return nil
}

// Validate checks the replicated table list
func (rc *ReplicationConfig) Validate() error {
	seen := make(map[string]bool, len(rc.Tables))
	for _, t := range rc.Tables {
		if t.Name == "" {
			return fmt.Errorf("table name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s listed twice", t.Name)
		}
		seen[t.Name] = true
		if t.PrimaryKey == "" {
			return fmt.Errorf("table %s: primary_key is required", t.Name)
		}
		if len(t.Columns) == 0 {
			return fmt.Errorf("table %s: columns are required", t.Name)
		}
	}
	return nil
}

// GetIdentityPath returns the node identity file path
func (c *Config) GetIdentityPath() string {
	if c.Node.IdentityFile != "" {
		return c.Node.IdentityFile
	}
	return filepath.Join(c.Node.DataDir, "node.yaml")
}

// GetDBPath returns the SQLite database file path
func (c *Config) GetDBPath() string {
	return filepath.Join(c.Node.DataDir, "dbsync.db")
}

// GetSpoolDir returns the directory used for snapshot spool files
func (c *Config) GetSpoolDir() string {
	if c.FullSync.SpoolDir != "" {
		return c.FullSync.SpoolDir
	}
	return filepath.Join(c.Node.DataDir, "spool")
}

// DiscoveryInterval returns the announcement interval
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.Interval) * time.Second
}

// SyncInterval returns the incremental sync cycle period
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

// Seconds converts a seconds setting into a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
