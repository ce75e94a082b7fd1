package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rconbridge/rconbridge/internal/rcon"
)

func execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <command>...",
		Short: "Run a single console command and print the response",
		Long: `Connect to an upstream RCON console, run one command, print the raw
response to stdout, and exit. Useful for scripting and for checking
credentials without a browser.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runExec,
	}

	addUpstreamFlags(cmd)
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	protocol, _ := cmd.Flags().GetString("protocol")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := rcon.New(rcon.Config{
		Protocol: rcon.Protocol(protocol),
		Host:     host,
		Port:     port,
		Password: resolvePassword(cmd),
		Timeout:  timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer client.Destroy()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	response, err := client.Exec(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	fmt.Println(response)
	return nil
}
