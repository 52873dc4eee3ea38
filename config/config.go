// Package config loads a replica's settings with viper
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"authority-tree/db"
	"authority-tree/models"
	"authority-tree/policy"
	"authority-tree/snapshot"
	"authority-tree/threshold"
	"authority-tree/tree"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ceremony CeremonyConfig `mapstructure:"ceremony"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Identity IdentityConfig `mapstructure:"identity"`
	Genesis  GenesisConfig  `mapstructure:"genesis"`
	// base URLs of replicas handed every locally committed snapshot
	Peers []string `mapstructure:"peers"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

type StorageConfig struct {
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
}

type CeremonyConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SnapshotConfig struct {
	HighWaterMark   uint64        `mapstructure:"high_water_mark"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	Retention       string        `mapstructure:"retention"`
}

type RecoveryConfig struct {
	MinCooldown time.Duration `mapstructure:"min_cooldown"`
	// how far recovery timestamps may sit from the local clock
	ClockSkew time.Duration `mapstructure:"clock_skew"`
}

// IdentityConfig is the local signer. Its share is derived from Secret.
type IdentityConfig struct {
	LeafID uint32 `mapstructure:"leaf_id"`
	Secret string `mapstructure:"secret"`
}

type BranchConfig struct {
	Index    uint32 `mapstructure:"index"`
	Parent   uint32 `mapstructure:"parent"`
	Policy   string `mapstructure:"policy"`
	Recovery bool   `mapstructure:"recovery"`
}

type LeafConfig struct {
	ID    uint32 `mapstructure:"id"`
	Role  string `mapstructure:"role"`
	Under uint32 `mapstructure:"under"`
	Name  string `mapstructure:"name"`
	// hex ed25519 key; derived from Genesis.DevSecret when empty
	PublicKey string `mapstructure:"public_key"`
}

type GenesisConfig struct {
	DevSecret string         `mapstructure:"dev_secret"`
	Branches  []BranchConfig `mapstructure:"branches"`
	Leaves    []LeafConfig   `mapstructure:"leaves"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.engine", db.EngineLevelDB)
	v.SetDefault("storage.path", "data/authority-tree")
	v.SetDefault("ceremony.timeout", "30s")
	v.SetDefault("ceremony.sweep_interval", "1m")
	v.SetDefault("snapshot.high_water_mark", 1000)
	v.SetDefault("snapshot.approval_timeout", "2m")
	v.SetDefault("snapshot.retention", "prune")
	v.SetDefault("recovery.min_cooldown", "72h")
	v.SetDefault("recovery.clock_skew", "5m")
}

// Load reads path and overlays AUTHTREE_* environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("AUTHTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Engine {
	case db.EngineLevelDB, db.EnginePebble, db.EngineMemory:
	default:
		return fmt.Errorf("storage.engine %q: want leveldb, pebble or memory", c.Storage.Engine)
	}
	if _, err := models.ParseRetention(c.Snapshot.Retention); err != nil {
		return fmt.Errorf("snapshot.retention: %w", err)
	}
	if c.Recovery.MinCooldown < 0 {
		return fmt.Errorf("recovery.min_cooldown must not be negative")
	}
	if c.Recovery.ClockSkew <= 0 {
		return fmt.Errorf("recovery.clock_skew must be positive")
	}
	if len(c.Genesis.Branches) == 0 {
		return fmt.Errorf("genesis has no branches")
	}
	return nil
}

// SnapshotPolicy converts the snapshot section for the snapshot manager
func (c *Config) SnapshotPolicy() snapshot.Config {
	retention, _ := models.ParseRetention(c.Snapshot.Retention)
	return snapshot.Config{
		HighWaterMark:   c.Snapshot.HighWaterMark,
		ApprovalTimeout: c.Snapshot.ApprovalTimeout,
		Retention:       retention,
	}
}

// Share derives the local signing share, if an identity is configured
func (c *Config) Share() (threshold.Share, bool, error) {
	if c.Identity.Secret == "" {
		return threshold.Share{}, false, nil
	}
	secret, err := hex.DecodeString(c.Identity.Secret)
	if err != nil {
		return threshold.Share{}, false, fmt.Errorf("identity.secret: %w", err)
	}
	share, _, err := threshold.ShareFromSecret(secret, c.Identity.LeafID)
	if err != nil {
		return threshold.Share{}, false, fmt.Errorf("identity: %w", err)
	}
	return share, true, nil
}

// TreeGenesis builds the genesis description the tree starts from
func (c *Config) TreeGenesis() (tree.Genesis, error) {
	g := tree.Genesis{MinCooldown: uint64(c.Recovery.MinCooldown / time.Second)}

	for _, b := range c.Genesis.Branches {
		p, err := policy.Parse(b.Policy)
		if err != nil {
			return tree.Genesis{}, fmt.Errorf("genesis branch %d: %w", b.Index, err)
		}
		g.Branches = append(g.Branches, tree.GenesisBranch{
			Index:    models.NodeIndex(b.Index),
			Parent:   models.NodeIndex(b.Parent),
			Policy:   p,
			Reserved: b.Recovery,
		})
	}

	var devSecret []byte
	if c.Genesis.DevSecret != "" {
		var err error
		if devSecret, err = hex.DecodeString(c.Genesis.DevSecret); err != nil {
			return tree.Genesis{}, fmt.Errorf("genesis.dev_secret: %w", err)
		}
	}
	for _, l := range c.Genesis.Leaves {
		role, err := models.ParseRole(l.Role)
		if err != nil {
			return tree.Genesis{}, fmt.Errorf("genesis leaf %d: %w", l.ID, err)
		}
		var pub []byte
		switch {
		case l.PublicKey != "":
			if pub, err = hex.DecodeString(l.PublicKey); err != nil {
				return tree.Genesis{}, fmt.Errorf("genesis leaf %d public_key: %w", l.ID, err)
			}
		case devSecret != nil:
			if _, pub, err = threshold.ShareFromSecret(devSecret, l.ID); err != nil {
				return tree.Genesis{}, fmt.Errorf("genesis leaf %d: %w", l.ID, err)
			}
		default:
			return tree.Genesis{}, fmt.Errorf("genesis leaf %d has no public key", l.ID)
		}
		leaf := models.LeafNode{LeafID: models.LeafID(l.ID), Role: role, PublicKey: pub}
		if l.Name != "" {
			leaf.Metadata = map[string]string{"name": l.Name}
		}
		g.Leaves = append(g.Leaves, tree.GenesisLeaf{Leaf: leaf, Under: models.NodeIndex(l.Under)})
	}
	return g, nil
}
