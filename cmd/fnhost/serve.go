package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP server exposing the store and the executor.

Endpoints:
  PUT    /bucket/{bucket}          Create bucket
  DELETE /bucket/{bucket}          Delete empty bucket
  GET    /bucket/{bucket}          List files
  POST   /file/{bucket}/{key}      Upload file (multipart field "file")
  GET    /file/{bucket}/{key}      Download file
  DELETE /file/{bucket}/{key}      Delete file
  POST   /exec/{bucket}/{key}      Run function with the JSON body
  GET    /health                   Health check

Tracing is exported over OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default :3000)")
	addExecFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}

	shutdown, err := server.InitTracer(ctx, "fnhost")
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))

	h, err := newHost(ctx, cfg, true, os.Stdout)
	if err != nil {
		return err
	}
	defer h.Close()

	h.logger.Info("starting",
		zap.String("strategy", h.exec.Strategy().Name()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("network", cfg.Network.Enabled),
		zap.Duration("timeout", cfg.Timeout))

	srv := server.New(cfg.Listen, h.store, h.exec, server.WithLogger(h.logger))
	return srv.ListenAndServe(ctx)
}
