package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/nextlevelbuilder/kiroclaw/internal/http"

	"github.com/nextlevelbuilder/kiroclaw/internal/auth"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayauth"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
	"github.com/nextlevelbuilder/kiroclaw/internal/tracking"
	"github.com/nextlevelbuilder/kiroclaw/internal/upstream"
)

var (
	serveHost   string
	servePort   int
	serveDBPath string
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().StringVar(&serveHost, "host", envOr("KIROCLAW_HOST", "0.0.0.0"), "listen host")
	cmd.Flags().IntVar(&servePort, "port", 8080, "listen port")
	cmd.Flags().StringVar(&serveDBPath, "db-path", envOr("KIROCLAW_DB_PATH", "kiroclaw.db"), "sqlite path for the model catalogue cache (empty disables persistence)")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runServe wires the configuration, token lifecycle manager, model cache,
// and HTTP surface together, then serves until a termination signal arrives.
func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := gwconfig.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.ProxyAPIKey == "" {
		slog.Error("proxyApiKey must be set in config")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpClient := upstream.SharedClient()

	var defaultManager *auth.Manager
	switch {
	case cfg.CredsFile != "":
		principal, err := auth.LoadPrincipal(ctx, cfg.CredsFile, httpClient)
		if err != nil {
			slog.Error("failed to load credentials file", "error", err)
			os.Exit(1)
		}
		if principal.Region == "" {
			principal.Region = cfg.Region
		}
		defaultManager = auth.NewManager(principal)
		if watcher, err := principal.WatchCredsFile(); err != nil {
			slog.Warn("credentials file watcher unavailable", "error", err)
		} else if watcher != nil {
			go func() {
				<-ctx.Done()
				watcher.Close()
			}()
		}
	case cfg.RefreshToken != "":
		defaultManager = auth.NewManager(auth.NewPrincipal(cfg.RefreshToken, cfg.ProfileArn, cfg.Region, httpClient))
	default:
		slog.Warn("no default credentials configured; every request must carry its own refresh token")
		defaultManager = auth.NewManager(nil)
	}

	var store *modelcache.Store
	if serveDBPath != "" {
		migrationsDir := "internal/modelcache/migrations"
		if err := modelcache.RunMigrations(migrationsDir, "sqlite3://"+serveDBPath); err != nil {
			slog.Warn("model catalogue migration failed, persistence disabled", "error", err)
		} else if s, err := modelcache.OpenStore(serveDBPath); err != nil {
			slog.Warn("failed to open model catalogue store, persistence disabled", "error", err)
		} else {
			store = s
			defer store.Close()
		}
	}

	dispatcher := upstream.NewDispatcher(cfg, defaultManager)
	cache := modelcache.NewCache(cfg, dispatcher, cfg.Region, cfg.ProfileArn, store)

	if defaultManager.HasPrincipal() {
		cache.Start(ctx)
		if err := cache.Refresh(ctx); err != nil {
			slog.Warn("initial model catalogue refresh failed", "error", err)
		}
	}

	gate := gatewayauth.NewGate(cfg.ProxyAPIKey, defaultManager, httpClient, cfg.Region, cfg.ProfileArn)
	httpapi.Version = Version

	mux := http.NewServeMux()
	httpapi.NewHealthHandler(defaultManager, cache).RegisterRoutes(mux)
	httpapi.NewModelsHandler(gate, cache).RegisterRoutes(mux)
	httpapi.NewChatHandler(cfg, gate, cache).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    net.JoinHostPort(serveHost, fmt.Sprintf("%d", servePort)),
		Handler: tracking.Middleware(mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		cache.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		upstream.ClosePool()
		cancel()
	}()

	slog.Info("kiroclaw gateway starting", "version", Version, "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("gateway server error", "error", err)
		os.Exit(1)
	}
}
