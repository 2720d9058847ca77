package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cartpilot/internal/api/httpapi"
	"cartpilot/internal/browser"
	"cartpilot/internal/config"
	"cartpilot/internal/jobs"
	"cartpilot/internal/lider"
	"cartpilot/internal/locale"
	"cartpilot/internal/profilelock"
	"cartpilot/internal/storefront"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Addr, err)
			}
			cmd.Printf(locale.T("serve.listening")+"\n", ln.Addr())
			return serve(cmd.Context(), ln, a.cfg, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

// serve wires the storefronts to the HTTP API and runs until ctx ends, then
// drains in-flight requests for at most the configured shutdown timeout.
func serve(ctx context.Context, ln net.Listener, cfg *config.Config, logger *zap.Logger) error {
	root, err := config.ResolveProfileRoot(cfg.Browser.ProfileDir)
	if err != nil {
		_ = ln.Close()
		return err
	}
	logger.Info("Using profile root", zap.String("dir", root))

	deps := storefront.Deps{
		Config:      cfg,
		ProfileRoot: root,
		Locker:      profilelock.New(),
		Opener:      browser.NewManager(cfg.Browser, logger),
		Logger:      logger,
	}
	jumbo := storefront.NewJumbo(deps)
	defer jumbo.Close()
	store := storefront.NewLider(deps, lider.NewService(lider.NewClient(cfg.Lider, cfg.Browser, logger), cfg.Lider, logger))
	defer store.Close()
	tracker := jobs.NewTracker(cfg.Jobs, logger)
	defer tracker.Close()

	srv := &http.Server{
		Handler:           httpapi.New(jumbo, store, tracker, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		logger.Info("Shutting down HTTP server", zap.Duration("timeout", cfg.Server.ShutdownTimeout()))
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info(locale.T("serve.stopped"))
	return err
}
