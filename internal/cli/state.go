package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	NodeOptions
	Key string
}

// DocumentSummary describes one stored collection.
type DocumentSummary struct {
	Collection string `json:"collection"`
	Operations int    `json:"operations"`
	Snapshot   bool   `json:"snapshot"`
}

// StateResult is the output of the state command for one collection.
type StateResult struct {
	Collection string              `json:"collection"`
	State      map[string]any      `json:"state"`
	Vector     clock.VersionVector `json:"vector"`
	Digest     string              `json:"digest"`
	Buffered   int                 `json:"buffered"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{NodeOptions: NodeOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "state [collection]",
		Short: "Show stored collections or the state of one",
		Long: `Read the database without starting a node. With no argument, list the
stored collections. With a collection name, rebuild it from its snapshot and
operations and print its state and version vector.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, opts, args)
		},
	}
	opts.addFlags(cmd, false)
	cmd.Flags().StringVar(&opts.Key, "key", "", "print only this key")
	return cmd
}

func runState(cmd *cobra.Command, opts *StateOptions, args []string) error {
	setupLogging(cmd.ErrOrStderr(), opts.Verbose)
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	cfg, err := opts.resolve(false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(cfg.Database, true)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 0 {
		names, err := st.Documents(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list documents", err)
		}
		summaries := make([]DocumentSummary, 0, len(names))
		var sb strings.Builder
		for _, name := range names {
			n, err := st.CountOperations(ctx, name)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count operations", err)
			}
			snap, err := st.ReadSnapshot(ctx, name)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read snapshot", err)
			}
			summaries = append(summaries, DocumentSummary{Collection: name, Operations: n, Snapshot: snap != nil})
			fmt.Fprintf(&sb, "%s\t%d ops", name, n)
			if snap != nil {
				sb.WriteString("\tsnapshot")
			}
			sb.WriteByte('\n')
		}
		if len(names) == 0 {
			sb.WriteString("no collections stored")
		}
		return formatter.Success(summaries, strings.TrimRight(sb.String(), "\n"))
	}

	name := args[0]
	doc := crdt.New(name, cfg.Actor)
	if _, err := st.Hydrate(ctx, doc); err != nil {
		return WrapExitError(ExitCommandError, "failed to read collection", err)
	}
	if doc.VersionVector().Equal(clock.New()) {
		return NewExitError(ExitCommandError, fmt.Sprintf("collection %q not found", name))
	}

	if opts.Key != "" {
		v, ok := doc.Get(opts.Key)
		if !ok {
			return NewExitError(ExitFailure, fmt.Sprintf("key %q not set in %s", opts.Key, name))
		}
		out, err := ir.MarshalCanonical(v)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render value", err)
		}
		return formatter.Success(ir.ToGo(v), string(out))
	}

	state := doc.State()
	view, text, err := renderState(state)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render state", err)
	}
	digest, err := ir.StateDigest(state)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to digest state", err)
	}
	result := StateResult{
		Collection: name,
		State:      view,
		Vector:     doc.VersionVector(),
		Digest:     digest,
		Buffered:   doc.Stats().Buffered,
	}
	return formatter.Success(result, fmt.Sprintf("%s %s\n%s", name, result.Vector, text))
}
