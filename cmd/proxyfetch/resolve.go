package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <url>",
	Short: "Print the proxy decision for a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd.Context())
		s, _, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := s.ResolveProxy(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\tsource=%s\tstrictSSL=%t\n", d.String(), d.Source, d.StrictSSL)
		return err
	},
}
