// Package inspect prints what an endpoint would run with: its configuration
// as loaded from the environment and the brokers compiled into the binary.
package inspect

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	brokers "github.com/drblury/courier/transport"
	_ "github.com/drblury/courier/transport/transports"
)

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the endpoint configuration loaded from COURIER_* variables",
		Example: `  COURIER_ENDPOINT_NAME=orders courierctl config
  COURIER_TRANSPORT=kafka COURIER_KAFKA_BROKERS=localhost:9092 courierctl config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var conf configpkg.Config
			if err := env.ParseWithOptions(&conf, env.Options{Prefix: configpkg.EnvPrefix}); err != nil {
				return fmt.Errorf("parse environment: %w", err)
			}
			conf = conf.WithDefaults()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, conf.String())
			if err := conf.Validate(); err != nil {
				fmt.Fprintln(out, "invalid configuration:")
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(out, "  - %s\n", line)
				}
				return err
			}
			fmt.Fprintln(out, "configuration is valid")
			return nil
		},
	}
}

func NewTransportsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List the broker transports compiled into this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printTransports(cmd.OutOrStdout(), brokers.DefaultRegistry)
		},
	}
}

func printTransports(w io.Writer, registry *brokers.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDURABLE\tORDERED\tRELIABLE\tMAX SIZE")
	fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%s\n", configpkg.DefaultTransport, false, false, false, "-")
	for _, name := range registry.Names() {
		caps := registry.GetCapabilities(name)
		size := "-"
		if caps.MaxMessageSize > 0 {
			size = fmt.Sprintf("%d", caps.MaxMessageSize)
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%s\n", name, caps.Durable, caps.Ordered, caps.SupportsReliableDelivery(), size)
	}
	return tw.Flush()
}
