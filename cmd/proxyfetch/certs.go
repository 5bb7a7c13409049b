package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var certsPEM bool

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Show the trust bundle used for TLS verification",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd.Context())
		s, _, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		b, err := s.Certificates(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if certsPEM {
			_, err = out.Write(b.PEM())
			return err
		}
		for _, e := range b.Entries {
			if _, err := fmt.Fprintf(out, "%-8s %s\n", e.Source, e.Subject); err != nil {
				return err
			}
		}
		_, err = fmt.Fprintf(out, "%d certificates\n", b.Len())
		return err
	},
}

func init() {
	certsCmd.Flags().BoolVar(&certsPEM, "pem", false, "print the concatenated PEM bundle")
}
