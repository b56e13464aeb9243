package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"asset_market/internal/domain"
	"asset_market/internal/engine"
	"asset_market/internal/event"
	"asset_market/internal/infra"
	"asset_market/internal/infra/feed"
	"asset_market/internal/infra/storage"
	"asset_market/internal/market"
	"asset_market/internal/registry"
	"asset_market/internal/service"
)

const previewConcurrency = 5

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage // nil when persistence is disabled
	Previews  domain.PreviewProvider
	Metrics   *infra.Metrics
	Log       *event.Log
	Registry  *registry.Registry
	Market    *market.Marketplace
	Sequencer *engine.Sequencer
	Catalog   *service.Catalog
	Hub       *feed.Hub

	unsubscribe []func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and wires every component. A missing config
// file falls back to defaults.
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfigOrDefault(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	return b.InitializeWith(cfg)
}

// InitializeWith wires every component from an already loaded config.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping asset market...")

	// 3. Marketplace policies
	fees, err := market.NewFeePolicy(domain.Address(cfg.Market.FeeAccount), cfg.Market.FeePercent)
	if err != nil {
		return fmt.Errorf("fee policy: %w", err)
	}
	surplus, err := market.ParseSurplusPolicy(cfg.Market.SurplusPolicy)
	if err != nil {
		return err
	}

	// 4. Initialize Storage (DB)
	var journal market.Journal
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		// Ledger state lives in memory, so ids and seqs restart at 1 and
		// would collide with rows left by an earlier run
		empty, err := store.IsEmpty()
		if err != nil {
			store.Close()
			return fmt.Errorf("inspect journal: %w", err)
		}
		if !empty {
			store.Close()
			return &domain.ConfigError{
				Field: "storage.path",
				Err:   fmt.Errorf("journal %s already holds records from an earlier run; point storage.path at a new file", store.Path()),
			}
		}
		b.Storage = store
		journal = store
		slog.Info("Journal initialized")
	}

	b.Metrics = infra.GlobalMetrics
	b.Log = event.NewLog()
	b.Market = market.New(fees, market.Config{
		Escrow:  domain.DeriveAddress(cfg.Market.EscrowLabel),
		Surplus: surplus,
		Sink:    b.Log,
		Journal: journal,
		Metrics: b.Metrics,
	})
	b.Registry = registry.New(cfg.Registry.Name, cfg.Registry.Symbol)
	b.Market.AttachRegistry(b.Registry)
	b.Sequencer = engine.NewSequencer(cfg.Market.InboxSize, b.Market)
	b.Catalog = service.NewCatalog(b.Log)
	slog.Info("Marketplace ready",
		slog.String("escrow", b.Market.Address().String()),
		slog.String("registry", b.Registry.Address().String()),
		slog.Int64("fee_percent", fees.Percent()),
		slog.String("surplus", string(surplus)),
	)

	// 5. Feed
	if cfg.Feed.Enabled {
		b.Hub = feed.NewHub(b.Log, b.Metrics, cfg.Feed.Buffer)
	}

	// 6. Preview fetcher
	if cfg.Preview.Enabled {
		fetcher, err := infra.NewPreviewFetcher(cfg.Preview.Dir, cfg.Preview.SizePx)
		if err != nil {
			return err
		}
		b.Previews = fetcher
		slog.Info("Preview fetcher ready")
	}

	return nil
}

// Start launches the sequencer, the catalog and the feed fan-out. They stop
// when ctx is cancelled.
func (b *Bootstrap) Start(ctx context.Context) {
	go b.Sequencer.Run(ctx)

	ch, cancel := b.Log.Subscribe(b.Config.Market.InboxSize)
	b.unsubscribe = append(b.unsubscribe, cancel)
	b.Catalog.StartProcessor(ctx, ch)

	if b.Hub != nil {
		feedCh, cancel := b.Log.Subscribe(b.Config.Feed.Buffer)
		b.unsubscribe = append(b.unsubscribe, cancel)
		go b.Hub.Run(ctx, feedCh)
	}
}

// Handler exposes command intake, the feed, the catalog and metrics over HTTP.
func (b *Bootstrap) Handler() http.Handler {
	mux := http.NewServeMux()
	if b.Hub != nil {
		mux.Handle("/feed", b.Hub)
	}
	mux.HandleFunc("POST /commands/{name}", b.handleCommand)
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		if seller := r.URL.Query().Get("seller"); seller != "" {
			writeJSON(w, b.Catalog.BySeller(domain.Address(seller)))
			return
		}
		if buyer := r.URL.Query().Get("buyer"); buyer != "" {
			writeJSON(w, b.Catalog.PurchasedBy(domain.Address(buyer)))
			return
		}
		writeJSON(w, b.Catalog.Unsold())
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, b.Metrics.Snapshot())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "halted": b.Sequencer.Halted()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", slog.Any("error", err))
	}
}

// Serve runs the HTTP listener until ctx is cancelled.
func (b *Bootstrap) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              b.Config.Feed.ListenAddr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// SyncPreviews downloads thumbnails for every listed asset missing one.
func (b *Bootstrap) SyncPreviews(ctx context.Context) {
	if b.Previews == nil {
		return
	}
	slog.Info("Starting preview synchronization...")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, previewConcurrency) // Limit concurrent downloads

	for _, entry := range b.Catalog.Unsold() {
		if entry.Preview != "" {
			continue
		}
		wg.Add(1)
		go func(entry service.CatalogEntry) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			reg, err := b.Market.Registry(entry.Asset.Registry)
			if err != nil {
				slog.Warn("Preview skipped", slog.Uint64("listing_id", entry.ListingID), slog.Any("error", err))
				return
			}
			uri, err := reg.TokenURI(entry.Asset.ID)
			if err != nil {
				slog.Warn("Preview skipped", slog.Uint64("listing_id", entry.ListingID), slog.Any("error", err))
				return
			}

			path, err := b.Previews.FetchPreview(ctx, uri)
			if err != nil {
				slog.Warn("Failed to fetch preview", slog.Uint64("listing_id", entry.ListingID), slog.String("uri", uri), slog.Any("error", err))
				return
			}
			b.Catalog.SetPreview(entry.ListingID, path)
		}(entry)
	}

	wg.Wait()
	slog.Info("Preview synchronization completed")
}

// Close releases subscriptions and the journal.
func (b *Bootstrap) Close() error {
	for _, cancel := range b.unsubscribe {
		cancel()
	}
	b.unsubscribe = nil
	if b.Storage != nil {
		return b.Storage.Close()
	}
	return nil
}
