package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		slog.Error("Komut başarısız", "error", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:           "hl7-gateway",
		Short:         "HL7 MLLP ingestion gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Without a subcommand the gateway runs.
		RunE: serve.RunE,
	}
	root.AddCommand(serve)
	root.AddCommand(newSendCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
