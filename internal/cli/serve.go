package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // For pprof profiling
	"os"
	"os/signal"
	"syscall"
	"time"

	"asset_market/internal/infra"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const previewSyncInterval = time.Minute

var errSequencerHalted = errors.New("sequencer halted on an invariant violation")

type serveOptions struct {
	listen string
	dbPath string
	pprof  string
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the marketplace ledger service",
		Long: `Start the ledger service which provides:
- The sequencer applying mint, approve, deposit, list and purchase commands
- The SQLite journal of listings, sales and notifications
- The websocket notification feed and catalog endpoints`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides feed.listen_addr)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite journal path (enables storage)")
	cmd.Flags().StringVar(&opts.pprof, "pprof", "", "pprof listen address, e.g. localhost:6060 (disabled when empty)")
	return cmd
}

func runServe(parent context.Context, global *globalOptions, opts *serveOptions) error {
	b, err := global.bootstrap(func(cfg *infra.Config) {
		if opts.listen != "" {
			cfg.Feed.ListenAddr = opts.listen
		}
		if opts.dbPath != "" {
			cfg.Storage.Enabled = true
			cfg.Storage.Path = opts.dbPath
		}
	})
	if err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		return err
	}
	defer b.Close()

	if opts.pprof != "" {
		go func() {
			// Localhost only for security
			slog.Info("Pprof server started", slog.String("addr", opts.pprof))
			if err := http.ListenAndServe(opts.pprof, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	if parent == nil {
		parent = context.Background()
	}
	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b.Start(ctx)
	slog.InfoContext(ctx, "Sequencer started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-b.Sequencer.Done():
			if b.Sequencer.Halted() {
				return errSequencerHalted
			}
			return nil
		}
	})
	if b.Previews != nil {
		g.Go(func() error {
			ticker := time.NewTicker(previewSyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					b.SyncPreviews(gctx)
				}
			}
		})
	}

	slog.InfoContext(ctx, "Asset market fully operational. Press Ctrl+C to exit.")
	if err := g.Wait(); err != nil {
		slog.Error("Service stopped", slog.Any("error", err))
		return err
	}

	slog.Info("Shutting down gracefully...")
	return nil
}
