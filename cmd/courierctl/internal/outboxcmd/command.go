// Package outboxcmd maintains the SQL outbox of an endpoint: schema
// migration, inspection of undelivered messages and purging of delivered ones.
package outboxcmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/outbox/sqlstore"
)

// options mirror the outbox keys of the endpoint configuration so the CLI
// picks up the same COURIER_OUTBOX_* variables as the service.
type options struct {
	Driver string `env:"OUTBOX_DRIVER" envDefault:"sqlite"`
	DSN    string `env:"OUTBOX_DSN"`
}

func NewOutboxCommand() *cobra.Command {
	var opts options
	if err := env.ParseWithOptions(&opts, env.Options{Prefix: configpkg.EnvPrefix}); err != nil {
		opts = options{Driver: configpkg.OutboxSQLite}
	}

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Maintain the SQL outbox of an endpoint",
		Example: `  courierctl outbox migrate --driver sqlite --dsn ./orders.db
  courierctl outbox pending --driver postgres --dsn postgres://localhost/orders
  courierctl outbox purge --older-than 168h`,
	}
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", opts.Driver,
		"Outbox driver: sqlite or postgres (env COURIER_OUTBOX_DRIVER)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", opts.DSN,
		"Outbox data source name (env COURIER_OUTBOX_DSN)")

	cmd.AddCommand(
		newMigrateCommand(&opts),
		newPendingCommand(&opts),
		newPurgeCommand(&opts),
	)
	return cmd
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the inbox and outbox tables when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, store *sqlstore.Store) error {
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s outbox schema is up to date\n", store.Dialect())
				return nil
			})
		},
	}
}

func newPendingCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List messages that were committed but not delivered yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, store *sqlstore.Store) error {
				count, err := store.PendingCount(ctx)
				if err != nil {
					return err
				}
				rows, err := store.PendingRows(ctx, limit)
				if err != nil {
					return err
				}
				return printPending(cmd.OutOrStdout(), count, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages to list, 0 for all")
	return cmd
}

func newPurgeCommand(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered messages and inbox records older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than cannot be negative")
			}
			return withStore(cmd.Context(), opts, func(ctx context.Context, store *sqlstore.Store) error {
				removed, err := store.Purge(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d delivered message(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Keep records newer than this age")
	return cmd
}

func withStore(ctx context.Context, opts *options, fn func(context.Context, *sqlstore.Store) error) error {
	if opts.DSN == "" {
		return fmt.Errorf("--dsn is required for driver %q", opts.Driver)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Payloads are never decoded here, so no message types are registered.
	store, err := sqlstore.Open(opts.Driver, opts.DSN, envelope.NewWireCodec(envelope.NewRegistry(), nil))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func printPending(w io.Writer, count int, rows []sqlstore.PendingRow) error {
	fmt.Fprintf(w, "%d pending message(s)\n", count)
	if len(rows) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE ID\tTYPE\tCONVERSATION\tCREATED")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.MessageID, row.MessageType, row.ConversationID, row.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
