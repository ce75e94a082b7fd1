package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rconbridge/rconbridge/internal/bridge"
	"github.com/rconbridge/rconbridge/internal/rcon"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser-facing WebSocket bridge",
		Long: `Accept browser WebSocket connections and bridge each one to an upstream
RCON console. In server auth mode the configured credentials are used for
every session; in client auth mode each browser supplies its own.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", ":8080", "address to serve the bridge on")
	cmd.Flags().String("path", bridge.DefaultPath, "WebSocket endpoint path")
	addUpstreamFlags(cmd)
	cmd.Flags().String("auth-mode", "server", "who supplies credentials (server, client)")
	cmd.Flags().StringSlice("origin", nil, "allowed browser origin patterns")
	cmd.Flags().StringSlice("block-prefix", nil, "command prefixes to reject (e.g. quit)")
	cmd.Flags().String("target-id", "", "DOM element id fragments target")
	cmd.Flags().String("swap-style", "", "fragment splice mode (e.g. beforeend)")

	return cmd
}

// addUpstreamFlags adds the upstream connection flags shared by serve and exec.
func addUpstreamFlags(cmd *cobra.Command) {
	cmd.Flags().String("protocol", "binary", "upstream protocol (binary, json)")
	cmd.Flags().String("host", "127.0.0.1", "upstream host")
	cmd.Flags().Int("port", 0, "upstream port (0 = protocol default)")
	cmd.Flags().String("password", "", "upstream password (or RCONBRIDGE_PASSWORD)")
	cmd.Flags().Duration("timeout", rcon.DefaultTimeout, "connect and per-command deadline")
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	path, _ := cmd.Flags().GetString("path")
	protocol, _ := cmd.Flags().GetString("protocol")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	authMode, _ := cmd.Flags().GetString("auth-mode")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	origins, _ := cmd.Flags().GetStringSlice("origin")
	blockPrefixes, _ := cmd.Flags().GetStringSlice("block-prefix")
	targetID, _ := cmd.Flags().GetString("target-id")
	swapStyle, _ := cmd.Flags().GetString("swap-style")

	opts := bridge.Options{
		Protocol:       rcon.Protocol(protocol),
		Host:           host,
		Port:           port,
		Password:       resolvePassword(cmd),
		Path:           path,
		AuthMode:       bridge.AuthMode(authMode),
		Timeout:        timeout,
		TargetID:       targetID,
		SwapStyle:      swapStyle,
		OriginPatterns: origins,
		Logger:         logger,
		Metrics:        m,
	}
	if len(blockPrefixes) > 0 {
		opts.OnCommand = blockPrefixVeto(blockPrefixes)
	}

	srv := bridge.NewServer(opts)
	return srv.ListenAndServe(ctx, listen)
}

// blockPrefixVeto builds an OnCommand hook that rejects commands starting
// with any of the given prefixes.
func blockPrefixVeto(prefixes []string) func(command string, s *bridge.Session) bool {
	return func(command string, s *bridge.Session) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(command, p) {
				return false
			}
		}
		return true
	}
}
