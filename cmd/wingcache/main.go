package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wingcache/internal/wingcache"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wingcache",
		Short:         "Offline-capable caching proxy for the WingmanMatch web app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), statusCmd(), clearCmd(), precacheCmd(), preloadCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", getenvDefault("WINGCACHE_CONFIG", "/wingcache.yaml"), "path to wingcache.yaml")
	return cmd
}

func serve(configPath string) error {
	cfg, err := wingcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	svc, err := wingcache.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		// Install keeps retrying in the background; until then requests pass through.
		logger.Warn("start incomplete",
			slog.String("state", svc.State().String()),
			slog.String("error", err.Error()))
	}

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second},
	}
	if cfg.Server.AdminPort > 0 {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
			Handler:           svc.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		go func() {
			logger.Info("listening", slog.String("addr", srv.Addr), slog.String("origin", cfg.Server.Origin))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func adminFlag(cmd *cobra.Command, admin *string) {
	cmd.Flags().StringVar(admin, "admin", getenvDefault("WINGCACHE_ADMIN", "http://localhost:9090"), "admin endpoint of a running wingcache")
}

func statusCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print store names and performance counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := wingcache.NewClient(admin).Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	adminFlag(cmd, &admin)
	return cmd
}

func clearCmd() *cobra.Command {
	var (
		admin       string
		clearStatic bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the dynamic store, and the static store with --static",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wingcache.NewClient(admin).ClearCache(cmd.Context(), clearStatic)
		},
	}
	adminFlag(cmd, &admin)
	cmd.Flags().BoolVar(&clearStatic, "static", false, "also delete the static store")
	return cmd
}

func precacheCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "precache ROUTE...",
		Short: "Load routes into the dynamic store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wingcache.NewClient(admin).PrecacheRoutes(cmd.Context(), args)
		},
	}
	adminFlag(cmd, &admin)
	return cmd
}

func preloadCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "preload ROUTE",
		Short: "Dispatch one route through its caching strategy in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wingcache.NewClient(admin).PreloadRoute(cmd.Context(), args[0])
		},
	}
	adminFlag(cmd, &admin)
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
