package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/hostrpc"
)

var (
	hostListen  string
	hostMetrics bool
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Serve proxy, credential and certificate lookups to remote processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(commandContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, fv, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		if fv.ConfigFileUsed() != "" {
			s.WatchFile(fv)
		}

		cfg := s.Config()
		srv := s.HostServer(hostrpc.TokenConfig{Secret: cfg.Host.Token})
		if hostMetrics {
			srv.Handle("/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
		}
		addr := strings.TrimSpace(hostListen)
		if addr == "" {
			addr = cfg.Host.Listen
		}
		l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		if cfg.Host.Token == "" {
			common.GetLogger().WithComponent("host").Warn("host rpc is unauthenticated; set host.token")
		}
		return serveHost(ctx, srv, l)
	},
}

// serveHost is replaced in tests.
var serveHost = func(ctx context.Context, srv *hostrpc.Server, l net.Listener) error {
	return srv.Serve(ctx, l)
}

func init() {
	hostCmd.Flags().StringVar(&hostListen, "listen", "", "listen address (default host.listen)")
	hostCmd.Flags().BoolVar(&hostMetrics, "metrics", false, "expose Prometheus metrics on /metrics")
}
