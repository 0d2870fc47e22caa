package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mqtt-capture",
	Short: "Capture pub/sub traffic from many brokers into one sequenced record",
	Long: `mqtt-capture subscribes to a set of topic filters on every configured
MQTT or NATS broker and writes each received message, timestamped and
sequenced, to a single capture sink (CSV, JSON lines, CBOR, SQLite or a
Redis stream).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("mqtt-capture version %s\n", version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mqtt-capture version %s\n", version)
		},
	}
}
