package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"livedata_go/internal/app"
	"livedata_go/internal/domain"
	"livedata_go/internal/infra"
	"livedata_go/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// =============================================================================
// Watch Command
// =============================================================================

func buildWatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch KEY...",
		Short: "Subscribe to keys and print every update until interrupted",
		Example: `  livedata watch OG~AAPL OG~MSFT
  livedata watch AAPL --config /etc/livedata.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), *configPath, keys, cmd.OutOrStdout())
		},
	}
}

func runWatch(parent context.Context, configPath string, keys []domain.Key, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := app.NewBootstrap(configPath)
	err := b.Initialize(service.WithUpdateHook(func(img domain.Tick) {
		fmt.Fprintln(out, formatTick(img))
	}))
	if err != nil {
		return err
	}
	defer b.Shutdown()

	if srv := serveMetrics(b.Config, b.Metrics); srv != nil {
		defer srv.Close()
	}

	if err := b.Start(ctx); err != nil {
		return err
	}

	user := b.Config.User()
	if err := b.Client.Subscribe(user, keys, b.LastValues); err != nil {
		return err
	}
	slog.Info("✨ Watching keys. Press Ctrl+C to exit.", slog.Int("keys", len(keys)))

	<-ctx.Done()
	b.Client.Unsubscribe(user, keys, b.LastValues)
	return nil
}

// =============================================================================
// Snapshot Command
// =============================================================================

func buildSnapshotCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "snapshot KEY...",
		Short: "Fetch the current image of keys once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			return runSnapshot(cmd.Context(), *configPath, keys, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "How long to wait for every key (default from config)")
	return cmd
}

func runSnapshot(ctx context.Context, configPath string, keys []domain.Key, timeout time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b := app.NewBootstrap(configPath)
	if err := b.Initialize(); err != nil {
		return err
	}
	defer b.Shutdown()

	startCtx, cancel := context.WithTimeout(ctx, b.Config.HandshakeTimeout())
	defer cancel()
	if err := b.Start(startCtx); err != nil {
		return err
	}

	results, err := b.Client.Snapshot(ctx, b.Config.User(), keys, timeout)
	if err != nil {
		return err
	}
	return printResults(out, keys, results)
}

func printResults(out io.Writer, keys []domain.Key, results map[domain.Key]domain.Result) error {
	var failed []error
	for _, k := range keys {
		r := results[k]
		if !r.OK() {
			fmt.Fprintf(out, "%s %s %s\n", k, r.Outcome, r.Message)
			failed = append(failed, r.Err())
			continue
		}
		if r.Snapshot == nil {
			fmt.Fprintf(out, "%s (no image)\n", k)
			continue
		}
		fmt.Fprintln(out, formatTick(*r.Snapshot))
	}
	return errors.Join(failed...)
}

// =============================================================================
// Helpers
// =============================================================================

func parseKeys(args []string) ([]domain.Key, error) {
	keys := make([]domain.Key, 0, len(args))
	for _, a := range args {
		k, err := domain.ParseKey(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// formatTick renders one line: key, sequence, then fields sorted by name.
func formatTick(t domain.Tick) string {
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s seq=%d", t.Key, t.Sequence)
	for _, name := range names {
		fmt.Fprintf(&sb, " %s=%s", name, t.Fields[name].String())
	}
	return sb.String()
}

func serveMetrics(cfg *infra.Config, metrics *infra.Metrics) *http.Server {
	if cfg.Metrics.Listen == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("📈 Metrics server started", slog.String("addr", cfg.Metrics.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}
