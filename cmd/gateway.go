package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-guard/internal/bootstrap"
	"github.com/nextlevelbuilder/goclaw-guard/internal/gateway"
	httpapi "github.com/nextlevelbuilder/goclaw-guard/internal/http"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the guard gateway (this is also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Build(ctx, slog.Default(), resolveConfigPath(), wasmDir)
	if err != nil {
		slog.Error("gateway.bootstrap_failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.Close(context.Background())

	schemaHandler := httpapi.NewSchemaHandler(app.Registry, app.Config.Gateway.Token)
	guardHandler := httpapi.NewGuardConfigHandler(app.Log, app.Config, app.Registry, app.Store, app.Config.Gateway.Token)

	server := gateway.NewServer(app.Config, app.Relay, schemaHandler, guardHandler)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("gateway.shutdown_initiated", slog.String("signal", sig.String()))
		cancel()
	}()

	slog.Info("gateway.starting", slog.String("version", Version))
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway.serve_failed", slog.Any("error", err))
		os.Exit(1)
	}
}
