// boxfs mounts a remote folder tree as a local filesystem.
//
// Files are downloaded into a local cache when opened and pushed back when
// closed: new files are uploaded, written files overwrite the remote copy.
//
// Sub-commands:
//
//	boxfs mount [flags] [mountpoint]   Mount filesystem (default)
//	boxfs status [flags]               Show cache and server status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/boxfs/internal/boxfs"
	"github.com/fruitsalade/boxfs/internal/cache"
	"github.com/fruitsalade/boxfs/internal/config"
	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/metrics"
	"github.com/fruitsalade/boxfs/internal/mount"
	"github.com/fruitsalade/boxfs/internal/remote"
	"github.com/fruitsalade/boxfs/internal/remote/s3"
	"github.com/fruitsalade/boxfs/internal/resolver"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "status":
			cmdStatus(args[1:])
			return
		case "mount":
			args = args[1:]
		}
	}
	cmdMount(args)
}

func cmdMount(args []string) {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	cfg, err := config.Parse(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if cfg.Backend == config.BackendREST && cfg.Token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.Token = promptToken()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(2)
	}

	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("boxfs starting",
		zap.String("mount", cfg.MountPoint),
		zap.String("backend", cfg.Backend),
		zap.String("fuse", cfg.Fuse),
		zap.String("cache", cfg.CacheDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal("remote store unavailable", zap.Error(err))
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		logging.Fatal("cache directory unusable", zap.Error(err))
	}

	fsys := boxfs.New(store, c, resolver.Options{
		CacheSize: cfg.ListingCache.Size,
		CacheTTL:  cfg.ListingCache.TTL,
	})

	backend, err := mount.New(cfg.Fuse, cfg.MountPoint, fsys)
	if err != nil {
		logging.Fatal("fuse backend", zap.Error(err))
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Refresh cache gauges
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Stats()
			}
		}
	}()

	logging.Info("Press Ctrl+C to unmount and exit")
	err = backend.Start(ctx)
	if metricsServer != nil {
		metricsServer.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal("mount failed", zap.Error(err))
	}
	logging.Info("Done")
}

func openStore(ctx context.Context, cfg *config.Config) (remote.Store, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return s3.New(ctx, cfg.S3)
	default:
		client := remote.New(remote.Config{
			BaseURL:     strings.TrimSuffix(cfg.ServerURL, "/"),
			Timeout:     cfg.Timeout,
			RetryConfig: cfg.Retry,
			AuthToken:   cfg.Token,
		})
		if err := client.Ping(ctx); err != nil {
			logging.Warn("server unreachable, continuing", zap.String("server", cfg.ServerURL), zap.Error(err))
		}
		return client, nil
	}
}

// promptToken reads a bearer token from the terminal without echo.
func promptToken() string {
	fmt.Fprint(os.Stderr, "Token: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading token: %v\n", err)
		os.Exit(1)
	}
	return strings.TrimSpace(string(b))
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("BOXFS_CONFIG"), "YAML config file")
	cacheDir := fs.String("cache", "", "Cache directory")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	count, size, err := c.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Cache directory: %s\n", c.Dir())
	fmt.Printf("Cached files:    %d\n", count)
	fmt.Printf("Cache size:      %d bytes\n", size)
	fmt.Printf("Backend:         %s\n", cfg.Backend)

	if cfg.Backend != config.BackendREST {
		return
	}
	client := remote.New(remote.Config{
		BaseURL:   strings.TrimSuffix(cfg.ServerURL, "/"),
		Timeout:   5 * time.Second,
		AuthToken: cfg.Token,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		fmt.Printf("Server:          %s (offline: %v)\n", cfg.ServerURL, err)
		return
	}
	fmt.Printf("Server:          %s (online)\n", cfg.ServerURL)
}
