package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/rconbridge/rconbridge/internal/httpx"
	"github.com/rconbridge/rconbridge/internal/sse"
)

func sseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sse",
		Short: "Serve the stateless HTTP/SSE transport",
		Long: `Serve the stateless variant: POST /rcon runs one command per request,
POST /connect tests credentials, and GET /stream relays server console
output as Server-Sent Events. Only the JSON (Rust) protocol is supported;
credentials may come from flags or per-request parameters.`,
		Args: cobra.NoArgs,
		RunE: runSSE,
	}

	cmd.Flags().String("listen", ":8081", "address to serve on")
	cmd.Flags().String("host", "", "default upstream host")
	cmd.Flags().Int("port", 0, "default upstream port (0 = protocol default)")
	cmd.Flags().String("password", "", "default upstream password (or RCONBRIDGE_PASSWORD)")
	cmd.Flags().Duration("heartbeat", 10*time.Second, "SSE keep-alive interval")
	cmd.Flags().String("target-id", "", "DOM element id fragments target")
	cmd.Flags().String("swap-style", "", "fragment splice mode")

	return cmd
}

func runSSE(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	targetID, _ := cmd.Flags().GetString("target-id")
	swapStyle, _ := cmd.Flags().GetString("swap-style")

	handler := sse.NewHandler(sse.Options{
		Host:      host,
		Port:      port,
		Password:  resolvePassword(cmd),
		Heartbeat: heartbeat,
		TargetID:  targetID,
		SwapStyle: swapStyle,
		Logger:    logger,
		Metrics:   m,
	})

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("sse server listening", "addr", ln.Addr())
	return httpx.Serve(ctx, srv, ln)
}
