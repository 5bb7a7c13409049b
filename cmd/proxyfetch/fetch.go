package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/proxyfetch"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/transport"
)

var (
	fetchMethod    string
	fetchHeaders   []string
	fetchData      string
	fetchTimeout   time.Duration
	fetchRedirects int
	fetchKind      string
	fetchInclude   bool
	fetchFail      bool
	fetchUser      string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Send one request through the proxy, certificate and authentication stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDescriptor(args[0])
		if err != nil {
			return err
		}
		ctx := commandContext(cmd.Context())
		s, _, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := s.Do(ctx, d)
		if err != nil {
			return err
		}
		defer resp.Discard()
		out := cmd.OutOrStdout()
		if fetchInclude {
			writeHead(out, resp)
		}
		if fetchFail {
			if _, err := proxyfetch.EnsureSuccess(resp); err != nil {
				return err
			}
		}
		_, err = io.Copy(out, resp.Body)
		return err
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", http.MethodGet, "request method")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "request body; @file reads it from a file")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "per-hop timeout (0 = none)")
	fetchCmd.Flags().IntVar(&fetchRedirects, "max-redirects", constants.DefaultFollowRedirects, "redirects to follow")
	fetchCmd.Flags().StringVar(&fetchKind, "kind", string(transport.KindNode), "transport kind: node or sandboxed")
	fetchCmd.Flags().BoolVarP(&fetchInclude, "include", "i", false, "print the status line and headers")
	fetchCmd.Flags().BoolVarP(&fetchFail, "fail", "f", false, "fail on non-success status")
	fetchCmd.Flags().StringVarP(&fetchUser, "user", "u", "", "origin credentials as user:password")
}

func buildDescriptor(rawURL string) (proxyfetch.Descriptor, error) {
	d := proxyfetch.NewRequest(strings.ToUpper(strings.TrimSpace(fetchMethod)), rawURL)
	d.Timeout = fetchTimeout
	d.FollowRedirects = fetchRedirects
	kind, err := transport.ParseKind(fetchKind)
	if err != nil {
		return d, err
	}
	d.TransportKind = kind

	for _, h := range fetchHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return d, fmt.Errorf("invalid header %q (want 'Name: value')", h)
		}
		d.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if fetchUser != "" {
		d.User, d.Password, _ = strings.Cut(fetchUser, ":")
	}
	switch {
	case strings.HasPrefix(fetchData, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(fetchData, "@"))
		if err != nil {
			return d, err
		}
		d.Body = b
	case fetchData != "":
		d.Body = []byte(fetchData)
	}
	return d, nil
}

func writeHead(w io.Writer, resp *proxyfetch.Response) {
	_, _ = fmt.Fprintf(w, "HTTP %d %s\n", resp.Status, http.StatusText(resp.Status))
	names := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		for _, v := range resp.Header[k] {
			_, _ = fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
	_, _ = fmt.Fprintln(w)
}
