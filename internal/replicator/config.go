package replicator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Strategy selects how sessions compute deltas and whether a periodic loop
// runs.
type Strategy string

const (
	// StrategyFull transfers the whole operation log every round.
	StrategyFull Strategy = "FULL"

	// StrategyIncremental transfers only the delta against the last known
	// peer vector. It is the steady-state default.
	StrategyIncremental Strategy = "INCREMENTAL"

	// StrategySelective limits the periodic loop to Config.Collections and
	// Config.PriorityPeers.
	StrategySelective Strategy = "SELECTIVE"

	// StrategyOnDemand disables the periodic loop.
	StrategyOnDemand Strategy = "ON_DEMAND"
)

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case StrategyFull, StrategyIncremental, StrategySelective, StrategyOnDemand:
		return st, nil
	case "":
		return StrategyIncremental, nil
	default:
		return "", fmt.Errorf("unknown sync strategy %q", s)
	}
}

// Default configuration values.
const (
	DefaultSyncInterval       = 5 * time.Second
	DefaultMaxConcurrentSyncs = 4
	DefaultMaxBatchSize       = 500
	DefaultSessionTimeout     = 10 * time.Second
	DefaultMaxSyncErrors      = 100
)

// Config configures a Replicator.
type Config struct {
	// Strategy selects delta computation and loop behavior.
	Strategy Strategy

	// SyncInterval is the period of the sync loop.
	SyncInterval time.Duration

	// MaxConcurrentSyncs bounds how many peer sessions run at once.
	MaxConcurrentSyncs int

	// MaxBatchSize bounds the operations carried by one message.
	MaxBatchSize int

	// SessionTimeout bounds one session with one peer.
	SessionTimeout time.Duration

	// Peers are synced by the periodic loop.
	Peers []string

	// PriorityPeers restrict the loop under StrategySelective. Empty means
	// every peer.
	PriorityPeers []string

	// Collections are registered when the Replicator is created. Under
	// StrategySelective the loop syncs only these.
	Collections []string

	// MaxSyncErrors bounds Status.SyncErrors; older entries are dropped.
	MaxSyncErrors int

	// GarbageCollect compacts each collection to the minimum vector of every
	// configured peer after successful sessions.
	GarbageCollect bool
}

// DefaultConfig returns a Config with every field defaulted.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyIncremental,
		SyncInterval:       DefaultSyncInterval,
		MaxConcurrentSyncs: DefaultMaxConcurrentSyncs,
		MaxBatchSize:       DefaultMaxBatchSize,
		SessionTimeout:     DefaultSessionTimeout,
		MaxSyncErrors:      DefaultMaxSyncErrors,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.MaxConcurrentSyncs == 0 {
		c.MaxConcurrentSyncs = d.MaxConcurrentSyncs
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.MaxSyncErrors == 0 {
		c.MaxSyncErrors = d.MaxSyncErrors
	}
	c.Peers = slices.Clone(c.Peers)
	c.PriorityPeers = slices.Clone(c.PriorityPeers)
	c.Collections = slices.Clone(c.Collections)
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		errs = append(errs, err)
	}
	if c.SyncInterval < 0 {
		errs = append(errs, fmt.Errorf("sync interval must not be negative, got %s", c.SyncInterval))
	}
	if c.MaxConcurrentSyncs < 0 {
		errs = append(errs, fmt.Errorf("max concurrent syncs must be positive, got %d", c.MaxConcurrentSyncs))
	}
	if c.MaxBatchSize < 0 {
		errs = append(errs, fmt.Errorf("max batch size must be positive, got %d", c.MaxBatchSize))
	}
	if c.SessionTimeout < 0 {
		errs = append(errs, fmt.Errorf("session timeout must not be negative, got %s", c.SessionTimeout))
	}
	for _, p := range c.PriorityPeers {
		if !slices.Contains(c.Peers, p) {
			errs = append(errs, fmt.Errorf("priority peer %q is not a configured peer", p))
		}
	}
	for _, name := range c.Collections {
		if name == "" {
			errs = append(errs, errors.New("collection names must not be empty"))
			break
		}
	}
	return errors.Join(errs...)
}
