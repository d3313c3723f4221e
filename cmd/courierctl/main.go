// Command courierctl inspects courier endpoint configuration and maintains
// SQL outbox stores.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/courier/cmd/courierctl/internal/inspect"
	"github.com/drblury/courier/cmd/courierctl/internal/outboxcmd"
)

func NewCourierctlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "courierctl",
		Short:        "Operate courier endpoints",
		Example:      "courierctl outbox pending --driver sqlite --dsn ./orders.db",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		outboxcmd.NewOutboxCommand(),
		inspect.NewConfigCommand(),
		inspect.NewTransportsCommand(),
	)

	return cmd
}

func main() {
	cmd := NewCourierctlCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
