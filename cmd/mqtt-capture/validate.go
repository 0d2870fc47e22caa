package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration and discovered topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration %s is valid\n\n", opts.configPath)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BROKER\tPROTOCOL\tURL\tFILTERS\tMAX QOS")
			for _, b := range cfg.Brokers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", b.ID, b.Protocol, b.URL(), len(b.Filters), b.MaxQoS)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			sinkTarget := cfg.Sink.Path
			if cfg.Sink.Type == "redis" {
				sinkTarget = cfg.Sink.Redis.Addr + "/" + cfg.Sink.Redis.Stream
			}
			fmt.Fprintf(out, "\nsink: %s %s (format %s, compression %s)\n",
				cfg.Sink.Type, sinkTarget, cfg.Sink.Format, cfg.Sink.Compression)
			fmt.Fprintf(out, "buffer: %d per broker, %s; fan-in workers: %d\n",
				cfg.Buffer.Capacity, cfg.Buffer.Overflow, cfg.FanIn.Workers)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "path to config file")
	return cmd
}
