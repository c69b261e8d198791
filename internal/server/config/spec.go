// Package config defines the server configuration structure.
package config

import "time"

// ServerConfig is the root configuration for tokmesh-server.
type ServerConfig struct {
	Server   ServerSection   `koanf:"server"`
	Storage  StorageSection  `koanf:"storage"`
	Security SecuritySection `koanf:"security"`
	Cluster  ClusterSection  `koanf:"cluster"`
	Log      LogSection      `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Redis   RedisConfig   `koanf:"redis"`
	Cluster ClusterConfig `koanf:"cluster"`
	Local   LocalConfig   `koanf:"local"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr        string `koanf:"addr"`
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
}

// RedisConfig configures the Redis protocol server.
type RedisConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// ClusterConfig configures the cluster server.
type ClusterConfig struct {
	Addr string `koanf:"addr"`
}

// LocalConfig configures the local management socket.
type LocalConfig struct {
	Path string `koanf:"path"`
}

// StorageSection configures storage behavior.
type StorageSection struct {
	DataDir         string        `koanf:"data_dir"`
	WALSyncInterval time.Duration `koanf:"wal_sync_interval"`
	SnapshotKeep    int           `koanf:"snapshot_keep"`
}

// SecuritySection configures security settings.
type SecuritySection struct {
	EncryptionKey string `koanf:"encryption_key"`
	TLSCAFile     string `koanf:"tls_ca_file"`
}

// ClusterSection configures cluster behavior.
type ClusterSection struct {
	NodeID            string        `koanf:"node_id"`
	RaftAddr          string        `koanf:"raft_addr"`
	GossipAddr        string        `koanf:"gossip_addr"`
	GossipPort        int           `koanf:"gossip_port"`
	Bootstrap         bool          `koanf:"bootstrap"`
	Seeds             []string      `koanf:"seeds"`
	DataDir           string        `koanf:"data_dir"`
	ReplicationFactor int           `koanf:"replication_factor"`

	// MetadataDir, when set, enables the coordination core (node
	// registry, metadata store, index resolver, schema cache) alongside
	// the gossip/Raft/shard-map layer.
	MetadataDir string `koanf:"metadata_dir"`

	// HTTPPort, RemotePort and ReplicationPort are this node's own
	// service ports, advertised via gossip metadata for peers to
	// populate their node registries without a separate handshake.
	HTTPPort        int `koanf:"http_port"`
	RemotePort      int `koanf:"remote_port"`
	ReplicationPort int `koanf:"replication_port"`

	RebalanceMaxRateMBps   float64       `koanf:"rebalance_max_rate_mbps"`
	RebalanceMinTTL        time.Duration `koanf:"rebalance_min_ttl"`
	RebalanceConcurrentQty int           `koanf:"rebalance_concurrent_qty"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
