package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/proxyfetch"
)

var rootCmd = &cobra.Command{
	Use:           "proxyfetch",
	Short:         "Proxy-aware HTTP client and trusted host service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newService is replaced in tests.
var newService = func(ctx context.Context, cfg *proxyfetch.Config) (*proxyfetch.Service, error) {
	return proxyfetch.New(ctx, cfg)
}

func init() {
	v := viper.GetViper()
	v.SetDefault("config", "")
	v.SetDefault("proxy", "")

	// Environment variables support: PROXYFETCH_CONFIG, PROXYFETCH_PROXY
	v.SetEnvPrefix("PROXYFETCH")
	v.AutomaticEnv()
	rootCmd.PersistentFlags().String("config", v.GetString("config"), "path to a config yaml")
	rootCmd.PersistentFlags().String("proxy", v.GetString("proxy"), "proxy URL overriding http.proxy")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("proxy", rootCmd.PersistentFlags().Lookup("proxy"))

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		exitHandler.LogFatalError(err, "command execution failed")
	}
}
