package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

// WriteResult is the output of set, delete, add and remove.
type WriteResult struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Value      any    `json:"value,omitempty"`
	Vector     any    `json:"vector"`
}

type writeFunc func(doc *crdt.Document, key string, value ir.IRValue) (ir.IRValue, error)

func newWriteCommand(rootOpts *RootOptions, use, short string, takesValue bool, fn writeFunc) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}
	args := cobra.ExactArgs(2)
	if takesValue {
		args = cobra.ExactArgs(3)
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The write is made offline against the database as this node's actor and is
shipped to peers by the next sync. Values are JSON; text that is not JSON is
taken as a string. Do not write to a database a running node is serving.`,
		Args: args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, opts, args, fn)
		},
	}
	opts.addFlags(cmd, false)
	return cmd
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, "set <collection> <key> <value>", "Set a key to a value", true,
		func(doc *crdt.Document, key string, v ir.IRValue) (ir.IRValue, error) {
			return doc.Set(key, v)
		})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, "delete <collection> <key>", "Delete a key", false,
		func(doc *crdt.Document, key string, _ ir.IRValue) (ir.IRValue, error) {
			return doc.Delete(key), nil
		})
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, "add <collection> <key> <element>", "Add an element to a set key", true,
		func(doc *crdt.Document, key string, v ir.IRValue) (ir.IRValue, error) {
			return doc.Add(key, v)
		})
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return newWriteCommand(rootOpts, "remove <collection> <key> <element>", "Remove an element from a set key", true,
		func(doc *crdt.Document, key string, v ir.IRValue) (ir.IRValue, error) {
			return doc.Remove(key, v), nil
		})
}

func runWrite(cmd *cobra.Command, opts *NodeOptions, args []string, fn writeFunc) error {
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose)
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	cfg, err := opts.resolve(true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	name, key := args[0], args[1]
	var value ir.IRValue
	if len(args) == 3 {
		value, err = parseValue(args[2])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid value", err)
		}
	}

	st, err := openStore(cfg.Database, false)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := st.OpenDocument(ctx, name, cfg.Actor, crdt.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open collection", err)
	}
	if _, err := fn(doc, key, value); err != nil {
		return WrapExitError(ExitCommandError, "write failed", err)
	}
	if n := doc.Stats().CheckpointFailures; n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("write applied but %d checkpoint(s) failed", n))
	}

	result := WriteResult{Collection: name, Key: key, Vector: doc.VersionVector()}
	text := fmt.Sprintf("%s %s", name, doc.VersionVector())
	if v, ok := doc.Get(key); ok {
		result.Value = ir.ToGo(v)
		out, err := ir.MarshalCanonical(v)
		if err == nil {
			text = fmt.Sprintf("%s.%s = %s\n%s", name, key, out, text)
		}
	} else {
		text = fmt.Sprintf("%s.%s deleted\n%s", name, key, text)
	}
	return formatter.Success(result, text)
}
