package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kiotbook/internal/app"
	"kiotbook/internal/booking"
	"kiotbook/internal/config"
	"kiotbook/internal/database"
	"kiotbook/internal/ics"
	appLog "kiotbook/internal/log"
	"kiotbook/internal/store"
	"kiotbook/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath   string
	listen       string
	once         bool
	hashPassword string
}

func main() {
	flags := parseFlags()

	if flags.hashPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(flags.hashPassword), bcrypt.DefaultCost)
		if err != nil {
			appLog.Error("failed to hash password", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}

	appLog.Info("kiotbook starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(conf.LogLevel)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	catalog := conf.Catalog()
	feeds := 0
	for _, rc := range catalog.Rooms {
		if rc.ICalURL != "" {
			feeds++
		}
	}
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database,
		"rooms", len(catalog.Rooms),
		"room_groups", len(catalog.Groups),
		"feeds", feeds,
		"sync_cron", conf.Sync.Cron,
		"prune_missing", conf.Sync.PruneMissing,
		"basic_auth", conf.BasicAuth != nil,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	db, err := database.Open(conf.Database)
	if err != nil {
		appLog.Error("failed to open database", err, "path", conf.Database)
		os.Exit(1)
	}
	defer db.Close()

	loc := conf.Location()
	fetcher := ics.NewFetcher(conf.Sync.CacheDir, ics.WithRelay(conf.Sync.Relay))
	reconciler := booking.NewReconciler(fetcher, booking.SyncOptions{
		FetchTimeout:    conf.FetchTimeout(),
		Concurrency:     conf.Sync.Concurrency,
		Prune:           conf.Sync.PruneMissing,
		HorizonDays:     conf.Sync.HorizonDays,
		SummaryPrefixes: conf.Sync.SummaryPrefixes,
		Platform:        conf.Sync.Platform,
		Location:        loc,
	})
	svc := app.NewService(store.NewReservationStore(db), reconciler, app.Options{
		Catalog: catalog,
		Encode: ics.EncodeOptions{
			ProdID:         conf.ICal.ProdID,
			UIDDomain:      conf.ICal.UIDDomain,
			DefaultSummary: conf.ICal.DefaultSummary,
		},
		Location: loc,
	})

	if flags.once {
		if err := runOnce(ctx, svc); err != nil {
			os.Exit(1)
		}
		return
	}

	sched, err := app.NewScheduler(svc, conf.Sync.Cron, loc, 2*time.Minute)
	if err != nil {
		appLog.Error("invalid sync schedule", err, "cron", conf.Sync.Cron)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		appLog.Error("failed to start scheduler", err)
		os.Exit(1)
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	appLog.Info("kiotbook exiting")
}

// runOnce performs a single sync cycle and reports it.
func runOnce(ctx context.Context, svc *app.Service) error {
	sum, err := svc.SyncNow(ctx)
	if err != nil {
		appLog.Error("sync failed", err, "rooms_failed", sum.RoomsFailed)
		return err
	}
	appLog.Info("sync done",
		"outcome", sum.Outcome,
		"imported", sum.Imported,
		"removed", sum.Removed,
		"rooms_synced", sum.RoomsSynced,
		"rooms_failed", sum.RoomsFailed,
	)
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/kiotbook/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one feed sync and exit")
	flag.StringVar(&cfg.hashPassword, "hash-password", "", "Print the bcrypt hash of the given password for basic_auth.password_hash and exit")

	flag.Parse()

	return cfg
}
