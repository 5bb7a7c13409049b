package main

import (
	"context"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/proxyfetch"
)

// loadConfig reads the file named by --config and applies flag overrides.
func loadConfig() (*proxyfetch.Config, *viper.Viper, error) {
	v := viper.GetViper()
	cfg, fv, err := proxyfetch.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if p := strings.TrimSpace(v.GetString("proxy")); p != "" {
		cfg.HTTP.Proxy = p
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, fv, nil
}

// openService loads the configuration, installs logging and builds the service.
// The returned cleanup closes both.
func openService(ctx context.Context) (*proxyfetch.Service, *viper.Viper, func(), error) {
	cfg, fv, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	closeLog, err := proxyfetch.SetupLogging(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := newService(ctx, cfg)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}
	return s, fv, func() {
		_ = s.Close()
		closeLog()
	}, nil
}

func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
