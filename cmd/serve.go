package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moyoez/vaultdrop/api"
	"github.com/moyoez/vaultdrop/tool"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	port  int
	https bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer API",
		Long: `Start the HTTP API serving presigned uploads and downloads, chunked
upload reassembly and the download queue. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "override server.port")
	cmd.Flags().BoolVar(&opts.https, "https", false, "serve over HTTPS with a self-signed certificate")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := tool.LoadConfig(tool.ConfigPath)
	if err != nil {
		return err
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.https {
		cfg.Server.Protocol = "https"
	}
	tool.DefaultLogger.Info(tool.BuildInfo())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	if n := eng.deps.Filesystem.CleanupTemp(ctx); n > 0 {
		tool.DefaultLogger.Infof("Removed %d leftover temp entries", n)
	}

	srv, err := api.NewServer(cfg, eng.deps)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	eng.run(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	if cfg.Server.PublicURL == "" {
		for _, ip := range tool.LocalIPv4Addrs() {
			tool.DefaultLogger.Infof("Reachable at %s://%s:%d", cfg.Server.Protocol, ip, cfg.Server.Port)
		}
	}

	select {
	case err = <-errCh:
		if err != nil {
			tool.DefaultLogger.Errorf("API server stopped: %v", err)
		}
	case <-ctx.Done():
		tool.DefaultLogger.Info("Shutting down")
		// queued downloads are answered before in-flight ones are awaited
		eng.deps.Admission.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(shutdownCtx)
		done()
	}
	cancel()
	eng.close()
	return err
}
