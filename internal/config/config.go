package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/convergent/internal/replicator"
)

// Default node settings.
const (
	DefaultListen   = ":7400"
	DefaultDatabase = "convergent.db"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the configuration of one replica node.
type Config struct {
	// Actor is this replica's id in every local operation. It must be
	// stable across restarts of the same database.
	Actor string `yaml:"actor" json:"actor"`

	// Listen is the HTTP address the node serves peers on.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database"`

	// Peers maps peer actor ids to their addresses.
	Peers map[string]string `yaml:"peers" json:"peers"`

	// Collections are registered at startup.
	Collections []string `yaml:"collections" json:"collections"`

	Replication Replication `yaml:"replication" json:"replication"`
}

// Replication mirrors replicator.Config in file form.
type Replication struct {
	Strategy           string   `yaml:"strategy" json:"strategy"`
	SyncInterval       Duration `yaml:"sync_interval" json:"sync_interval"`
	MaxConcurrentSyncs int      `yaml:"max_concurrent_syncs" json:"max_concurrent_syncs"`
	MaxBatchSize       int      `yaml:"max_batch_size" json:"max_batch_size"`
	SessionTimeout     Duration `yaml:"session_timeout" json:"session_timeout"`
	PriorityPeers      []string `yaml:"priority_peers" json:"priority_peers"`
	GarbageCollect     bool     `yaml:"garbage_collect" json:"garbage_collect"`
	MaxSyncErrors      int      `yaml:"max_sync_errors" json:"max_sync_errors"`
}

// Defaults returns a Config with every optional field set. Actor is left
// empty; it has no sensible default.
func Defaults() Config {
	r := replicator.DefaultConfig()
	return Config{
		Listen:   DefaultListen,
		Database: DefaultDatabase,
		Peers:    map[string]string{},
		Replication: Replication{
			Strategy:           string(r.Strategy),
			SyncInterval:       Duration(r.SyncInterval),
			MaxConcurrentSyncs: r.MaxConcurrentSyncs,
			MaxBatchSize:       r.MaxBatchSize,
			SessionTimeout:     Duration(r.SessionTimeout),
			MaxSyncErrors:      r.MaxSyncErrors,
		},
	}
}

// ApplyDefaults fills zero fields from Defaults.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.Peers == nil {
		c.Peers = d.Peers
	}
	r := &c.Replication
	if r.Strategy == "" {
		r.Strategy = d.Replication.Strategy
	}
	if r.SyncInterval == 0 {
		r.SyncInterval = d.Replication.SyncInterval
	}
	if r.MaxConcurrentSyncs == 0 {
		r.MaxConcurrentSyncs = d.Replication.MaxConcurrentSyncs
	}
	if r.MaxBatchSize == 0 {
		r.MaxBatchSize = d.Replication.MaxBatchSize
	}
	if r.SessionTimeout == 0 {
		r.SessionTimeout = d.Replication.SessionTimeout
	}
	if r.MaxSyncErrors == 0 {
		r.MaxSyncErrors = d.Replication.MaxSyncErrors
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Actor == "" {
		errs = append(errs, errors.New("actor is required"))
	}
	for _, id := range slices.Sorted(maps.Keys(c.Peers)) {
		switch {
		case id == "":
			errs = append(errs, errors.New("peer ids must not be empty"))
		case id == c.Actor:
			errs = append(errs, fmt.Errorf("peer %q is this node's own actor", id))
		case c.Peers[id] == "":
			errs = append(errs, fmt.Errorf("peer %q has no address", id))
		}
	}
	rc, err := c.ReplicatorConfig()
	if err != nil {
		errs = append(errs, err)
	} else if err := rc.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PeerIDs returns the configured peer ids, sorted.
func (c Config) PeerIDs() []string {
	return slices.Sorted(maps.Keys(c.Peers))
}

// ReplicatorConfig converts the replication block.
func (c Config) ReplicatorConfig() (replicator.Config, error) {
	strategy, err := replicator.ParseStrategy(c.Replication.Strategy)
	if err != nil {
		return replicator.Config{}, err
	}
	return replicator.Config{
		Strategy:           strategy,
		SyncInterval:       time.Duration(c.Replication.SyncInterval),
		MaxConcurrentSyncs: c.Replication.MaxConcurrentSyncs,
		MaxBatchSize:       c.Replication.MaxBatchSize,
		SessionTimeout:     time.Duration(c.Replication.SessionTimeout),
		Peers:              c.PeerIDs(),
		PriorityPeers:      slices.Clone(c.Replication.PriorityPeers),
		Collections:        slices.Clone(c.Collections),
		MaxSyncErrors:      c.Replication.MaxSyncErrors,
		GarbageCollect:     c.Replication.GarbageCollect,
	}, nil
}

// ParsePeers parses "id=addr,id=addr". Whitespace around entries is
// ignored; an empty string yields an empty map.
func ParsePeers(s string) (map[string]string, error) {
	peers := map[string]string{}
	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=addr", entry)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("duplicate peer %q", id)
		}
		peers[id] = addr
	}
	return peers, nil
}

// NewActorID returns a fresh UUIDv7 actor id.
func NewActorID() string {
	return uuid.Must(uuid.NewV7()).String()
}
