package app

import (
	"context"
	"fmt"
	"log/slog"

	"livedata_go/internal/engine"
	"livedata_go/internal/infra"
	"livedata_go/internal/infra/storage"
	"livedata_go/internal/infra/wsfeed"
	"livedata_go/internal/service"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config     *infra.Config
	Metrics    *infra.Metrics
	Storage    *storage.Storage // nil when persistence is disabled
	Transport  *wsfeed.Transport
	Client     *engine.Client
	LastValues *service.LastValueService
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize builds every component from configuration without touching the network.
func (b *Bootstrap) Initialize(opts ...service.Option) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	return b.InitializeWith(cfg, opts...)
}

// InitializeWith is Initialize for an already loaded configuration.
func (b *Bootstrap) InitializeWith(cfg *infra.Config, opts ...service.Option) error {
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping live data client...",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
	)

	b.Metrics = &infra.Metrics{}

	// 3. Initialize Storage (DB)
	if cfg.Storage.Path != "" {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Storage = store
		opts = append(opts, service.WithStore(store))
		slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))
	}

	// 4. Transport
	codec, err := wsfeed.NewCodec(cfg.Transport.Codec)
	if err != nil {
		return err
	}
	b.Transport = wsfeed.New(wsfeed.Options{
		URL:               cfg.Transport.URL,
		Codec:             codec,
		RequestsPerSecond: cfg.Transport.RequestsPerSecond,
		Burst:             cfg.Transport.Burst,
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		ReadTimeout:       cfg.ReadTimeout(),
		Metrics:           b.Metrics,
	})

	// 5. Subscription client
	client, err := engine.NewClient(engine.Options{
		Transport:       b.Transport,
		Heartbeats:      b.Transport,
		Entitlements:    b.Transport,
		Metrics:         b.Metrics,
		HeartbeatPeriod: cfg.HeartbeatPeriod(),
		SnapshotTimeout: cfg.SnapshotTimeout(),
	})
	if err != nil {
		return err
	}
	b.Client = client

	// 6. Last value cache
	b.LastValues = service.NewLastValueService(opts...)
	n, err := b.LastValues.Restore()
	if err != nil {
		return fmt.Errorf("restore last values: %w", err)
	}
	slog.Info("✅ Last value cache ready", slog.Int("restored", n))

	return nil
}

// Start connects the transport and starts the background workers.
// It returns once the first connection is up or ctx is done.
func (b *Bootstrap) Start(ctx context.Context) error {
	if err := b.Transport.Connect(ctx); err != nil {
		return err
	}
	if err := b.Transport.WaitConnected(ctx); err != nil {
		return fmt.Errorf("waiting for connection: %w", err)
	}
	b.Client.Start(ctx)
	b.LastValues.StartPersister(ctx)
	slog.Info("✅ Live data client started", slog.String("url", b.Config.Transport.URL))
	return nil
}

// Shutdown releases everything Initialize and Start acquired.
func (b *Bootstrap) Shutdown() {
	if b.Client != nil {
		b.Client.Close()
	}
	if b.Transport != nil {
		b.Transport.Disconnect()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close database", slog.Any("error", err))
		}
	}
	slog.Info("👋 Live data client stopped")
}
