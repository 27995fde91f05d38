package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/waypoint/backend/internal/config"
	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "waypoint",
		Short: "Preview, apply and undo itinerary change sets",
		Long: `waypoint edits versioned itineraries through the change engine.
Change sets are read as JSON from a file argument or stdin and every result
is printed as JSON.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return errors.Wrap(errors.ErrValidation, "load config", err)
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			level := logging.ParseLevel(cfg.Logging.Level)
			logging.Init(cmd.ErrOrStderr(), level)
			logging.Get().SetLevel(level)
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "waypoint.yaml", "YAML config file; a missing file means defaults")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newSeedCmd(opts),
		newShowCmd(opts),
		newListCmd(opts),
		newProposeCmd(opts),
		newApplyCmd(opts),
		newUndoCmd(opts),
		newHistoryCmd(opts),
		newCleanupCmd(opts),
		newBatchCmd(opts),
	)
	return root
}

// run opens the app, calls fn and prints its result as JSON.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app) (interface{}, error)) error {
	a, err := openApp(o.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error("Failed to close waypoint", err)
		}
	}()

	result, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "seed [file]",
		Short: "Create an itinerary from a JSON document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc models.Itinerary
			if err := readJSONArg(cmd, args, 0, &doc); err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.seed(ctx, &doc, force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing itinerary")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Print an itinerary, optionally as it was at a past version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.show(ctx, args[0], version)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", -1, "snapshot version to print instead of the current document")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored itineraries (sqlite storage only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.list(ctx, limit, offset)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of itineraries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of itineraries to skip")
	return cmd
}

func newProposeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "propose <document-id> [change-set-file]",
		Short: "Preview a change set without committing it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cs models.ChangeSet
			if err := readJSONArg(cmd, args, 1, &cs); err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.engine.Propose(ctx, args[0], &cs)
			})
		},
	}
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "apply <document-id> [change-set-file]",
		Short: "Commit a change set as a new version",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cs models.ChangeSet
			if err := readJSONArg(cmd, args, 1, &cs); err != nil {
				return err
			}
			if key != "" {
				cs.IdempotencyKey = key
			}
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.engine.Apply(ctx, args[0], &cs)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key, overrides the one in the change set")
	return cmd
}

func newUndoCmd(opts *rootOptions) *cobra.Command {
	var to int64
	cmd := &cobra.Command{
		Use:   "undo <document-id>",
		Short: "Restore the content of an earlier version as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.engine.Undo(ctx, args[0], to)
			})
		},
	}
	cmd.Flags().Int64Var(&to, "to", 0, "version to restore")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <document-id>",
		Short: "List the revisions of an itinerary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.engine.History(ctx, args[0])
			})
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep expired idempotency records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) (interface{}, error) {
				return a.sweep(ctx)
			})
		},
	}
}

// readJSONArg decodes args[idx] as a JSON file, or stdin when the argument is
// absent or "-".
func readJSONArg(cmd *cobra.Command, args []string, idx int, v interface{}) error {
	var r io.Reader = cmd.InOrStdin()
	name := "stdin"
	if len(args) > idx && args[idx] != "-" {
		name = args[idx]
		f, err := os.Open(name)
		if err != nil {
			return errors.Wrap(errors.ErrValidation, "open input", err)
		}
		defer f.Close()
		r = f
	}
	return decodeJSON(r, name, v)
}

func decodeJSON(r io.Reader, name string, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrValidation, "decode "+name, err)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
