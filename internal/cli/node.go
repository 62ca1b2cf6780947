package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/convergent/internal/config"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/replicator"
	"github.com/roach88/convergent/internal/store"
	"github.com/roach88/convergent/internal/transport"
)

// NodeOptions are the flags shared by commands that act as a replica.
// Flags override the config file; the config file overrides defaults.
type NodeOptions struct {
	*RootOptions
	ConfigPath  string
	Actor       string
	Database    string
	Listen      string
	Peers       string // "id=addr,id=addr"
	Collections []string
	Strategy    string
}

func (o *NodeOptions) addFlags(cmd *cobra.Command, listen bool) {
	f := cmd.Flags()
	f.StringVarP(&o.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .cue)")
	f.StringVar(&o.Actor, "actor", "", "replica actor id")
	f.StringVar(&o.Database, "db", "", "SQLite database path")
	f.StringVar(&o.Peers, "peers", "", "peers as id=addr,id=addr")
	f.StringSliceVar(&o.Collections, "collection", nil, "collection to register (repeatable)")
	f.StringVar(&o.Strategy, "strategy", "", "sync strategy (full|incremental|selective|on_demand)")
	if listen {
		f.StringVar(&o.Listen, "listen", "", "HTTP listen address")
	}
}

// resolve builds the effective config. validate is false for commands that
// only read the database and need no actor.
func (o *NodeOptions) resolve(validate bool) (config.Config, error) {
	var cfg config.Config
	if o.ConfigPath != "" {
		var err error
		cfg, err = config.Read(o.ConfigPath)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	if o.Actor != "" {
		cfg.Actor = o.Actor
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.Peers != "" {
		peers, err := config.ParsePeers(o.Peers)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "invalid --peers", err)
		}
		if cfg.Peers == nil {
			cfg.Peers = map[string]string{}
		}
		for id, addr := range peers {
			cfg.Peers[id] = addr
		}
	}
	for _, name := range o.Collections {
		if !slices.Contains(cfg.Collections, name) {
			cfg.Collections = append(cfg.Collections, name)
		}
	}
	if o.Strategy != "" {
		cfg.Replication.Strategy = o.Strategy
	}

	cfg.ApplyDefaults()
	if validate {
		if err := cfg.Validate(); err != nil {
			return cfg, WrapExitError(ExitCommandError, "invalid config", err)
		}
	}
	return cfg, nil
}

// setupLogging installs the default slog handler on stderr.
func setupLogging(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openStore opens the database, failing when mustExist is set and the file
// is absent.
func openStore(path string, mustExist bool) (*store.Store, error) {
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return nil, WrapExitError(ExitCommandError, "database not found", err)
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// newNode wires a replicator over HTTP to the store. The sync loop is not
// started.
func newNode(ctx context.Context, cfg config.Config, st *store.Store, logger *slog.Logger) (*replicator.Replicator, *transport.HTTP, error) {
	rc, err := cfg.ReplicatorConfig()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid replication config", err)
	}
	tr := transport.NewHTTP(cfg.Actor, cfg.Peers, transport.WithHTTPLogger(logger))
	r, err := replicator.New(cfg.Actor, tr, rc,
		replicator.WithLogger(logger),
		replicator.WithVectorCache(st),
		replicator.WithDocumentFactory(func(name string) (*crdt.Document, error) {
			return st.OpenDocument(ctx, name, cfg.Actor, crdt.WithLogger(logger))
		}),
	)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to create replicator", err)
	}
	return r, tr, nil
}

// parseValue reads a command-line or request-body value as JSON. Text that
// is not JSON is taken as a plain string.
func parseValue(raw string) (ir.IRValue, error) {
	v, err := ir.DecodeValue([]byte(raw))
	if err == nil {
		return v, nil
	}
	if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[' || raw[0] == '"') {
		return nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return ir.IRString(raw), nil
}

// renderState returns a JSON-friendly view and a canonical text rendering
// of a document state.
func renderState(state map[string]ir.IRValue) (map[string]any, string, error) {
	view := make(map[string]any, len(state))
	obj := make(ir.IRObject, len(state))
	for k, v := range state {
		view[k] = ir.ToGo(v)
		obj[k] = v
	}
	text, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, "", err
	}
	return view, string(text), nil
}
