package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/replicator"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	NodeOptions
}

// PeerSyncResult is the outcome of one peer session.
type PeerSyncResult struct {
	Peer      string `json:"peer"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SyncResult is the output of the sync command.
type SyncResult struct {
	Actor       string                         `json:"actor"`
	Collections []string                       `json:"collections"`
	Peers       []PeerSyncResult               `json:"peers"`
	Vectors     map[string]clock.VersionVector `json:"vectors"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{NodeOptions: NodeOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "sync [peer...]",
		Short: "Run one sync session with peers and exit",
		Long: `Open the local database, run one session with each named peer (every
configured peer when none is named) and exit. Every collection stored in the
database is synced along with the configured ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args)
		},
	}
	opts.addFlags(cmd, false)
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, peers []string) error {
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose)
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	cfg, err := opts.resolve(true)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		peers = cfg.PeerIDs()
	}
	if len(peers) == 0 {
		return NewExitError(ExitCommandError, "no peers to sync with")
	}
	for _, p := range peers {
		if _, ok := cfg.Peers[p]; !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown peer %q", p))
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(cfg.Database, false)
	if err != nil {
		return err
	}
	defer st.Close()

	stored, err := st.Documents(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list documents", err)
	}
	cfg.Collections = append(cfg.Collections, stored...)

	r, _, err := newNode(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	if len(r.Collections()) == 0 {
		return NewExitError(ExitCommandError, "no collections to sync")
	}

	result := SyncResult{
		Actor:       cfg.Actor,
		Collections: r.Collections(),
		Vectors:     make(map[string]clock.VersionVector),
	}
	failed := 0
	for _, peer := range peers {
		pr := PeerSyncResult{Peer: peer, OK: true}
		if err := r.SyncWithPeer(ctx, peer); err != nil {
			failed++
			pr.OK = false
			pr.Error = err.Error()
			var se *replicator.SyncError
			if errors.As(err, &se) {
				pr.ErrorCode = string(se.Code)
			}
		}
		result.Peers = append(result.Peers, pr)
	}
	for _, name := range result.Collections {
		doc, _ := r.Collection(name)
		result.Vectors[name] = doc.VersionVector()
	}

	if err := formatter.Success(result, formatSyncText(result)); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d sessions failed", failed, len(peers)))
	}
	return nil
}

func formatSyncText(r SyncResult) string {
	var sb strings.Builder
	for _, p := range r.Peers {
		if p.OK {
			fmt.Fprintf(&sb, "✓ %s\n", p.Peer)
		} else {
			fmt.Fprintf(&sb, "✗ %s: %s\n", p.Peer, p.Error)
		}
	}
	for _, name := range r.Collections {
		fmt.Fprintf(&sb, "%s %v\n", name, r.Vectors[name])
	}
	return strings.TrimRight(sb.String(), "\n")
}
