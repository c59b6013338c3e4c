package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/substratehq/objectd/internal/storage"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Prefix  string
	Changes bool
	After   int64
	Limit   int
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <database>",
		Short: "Dump records or change events from a database",
		Long: `Dump the live records of an actor database, or with --changes its
change log, without starting a host.

Example:
  objectd inspect ./objects.db --prefix users:
  objectd inspect ./objects.db --changes --after 100 --limit 50`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only records whose key has this prefix")
	cmd.Flags().BoolVar(&opts.Changes, "changes", false, "dump change events instead of records")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "with --changes, start after this sequence")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries to dump")

	return cmd
}

func runInspect(cmd *cobra.Command, opts *InspectOptions, path string) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	backend, err := storage.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer backend.Close()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	ctx := context.Background()

	if opts.Changes {
		changes, err := backend.ChangesSince(ctx, opts.After, opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read change log", err)
		}
		if opts.Format == "json" {
			return out.Success(changes)
		}
		for _, c := range changes {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", c.Seq, c.Op, c.Collection, c.DocID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d change(s)\n", len(changes))
		return nil
	}

	records, err := backend.ListRecords(ctx, storage.ListOptions{Prefix: opts.Prefix, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list records", err)
	}
	if opts.Format == "json" {
		return out.Success(records)
	}
	for _, r := range records {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tv%d\t%d byte(s)\n", r.Key, r.Version, len(r.Value))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d record(s)\n", len(records))
	return nil
}
