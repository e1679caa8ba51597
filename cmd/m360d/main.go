package main

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

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/m360-net/m360/internal/alerts"
	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/config"
	"github.com/m360-net/m360/internal/httpapi"
	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/netadmin"
	"github.com/m360-net/m360/internal/probe"
	"github.com/m360-net/m360/internal/qr"
	"github.com/m360-net/m360/internal/routeros"
	"github.com/m360-net/m360/internal/sensors"
	"github.com/m360-net/m360/internal/store"
	"github.com/m360-net/m360/internal/vpn"
	"github.com/m360-net/m360/internal/wgpeer"
	"github.com/m360-net/m360/internal/ws"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = ":8000"
	shutdownTimeout        = 10 * time.Second
	routerosSessionTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion = flag.Bool("version", false, "show version and exit")
		verbose     = flag.Bool("verbose", false, "verbose mode - show debug logs")
		listenAddr  = flag.String("listen", getenv("LISTEN_ADDR", defaultListenAddr), "http listen address (env: LISTEN_ADDR)")
		envFile     = flag.String("env-file", ".env", "environment file to load before reading config")
		wgConfDir   = flag.String("wg-conf-dir", getenv("WG_CONF_DIR", ""), "directory for generated wg-quick configs (env: WG_CONF_DIR)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	// best effort; the env file is a dev convenience
	_ = godotenv.Load(*envFile)

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	log := newLogger(*verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	if cfg.RunDBMigrations {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	go st.KeepAlive(ctx)

	verifier, err := auth.NewVerifier(ctx, log, cfg.SupabaseJWTSecret, cfg.JWKSURL())
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	clock := clockwork.NewRealClock()
	runner := netadmin.NewExecRunner(log)
	vpnManager := vpn.NewManager(log, runner, netadmin.Netlink{}, st, clock, *wgConfDir)

	hub := ws.NewHub(log, st, verifier)

	dialer := routeros.APIDialer{Timeout: routerosSessionTimeout}
	pool := routeros.NewPool(log, dialer, st)
	rotator := routeros.NewRotator(log, clock, st, pool, dialer, hub)
	keepalive := routeros.NewKeepalive(log, clock, pool, rotator, st)
	go keepalive.Run(ctx)

	telegram := alerts.NewTelegramNotifier(log)
	alertEngine := alerts.NewEngine(log, clock, st, map[string]alerts.Notifier{
		"webhook":  alerts.NewWebhookNotifier(log),
		"telegram": telegram,
	})

	scheduler := sensors.NewScheduler(log, clock, st, pool, rotator, vpnManager, alertEngine, hub)
	if err := scheduler.StartAll(ctx); err != nil {
		log.Warn("main: seeding sensor workers failed", "error", err)
	}

	prober := probe.New(log, st, vpnManager, dialer)
	registrar := wgpeer.NewRegistrar(log, runner, wgpeer.ExecKeyGen{}, st, wgpeer.Settings{
		PoolCIDR:        cfg.WGPoolCIDR,
		ServerPublicKey: cfg.WGServerPublicKey,
		EndpointHost:    cfg.WGEndpointHost,
		EndpointPort:    cfg.WGEndpointPort,
		DNS:             cfg.WGDNSDefault,
		Interface:       cfg.WGInterface,
	})

	qrSessions := qr.NewSessions()
	defer qrSessions.Stop()

	api := httpapi.NewServer(httpapi.Options{
		BaseCtx:     ctx,
		Log:         log,
		Store:       st,
		Verifier:    verifier,
		Clock:       clock,
		Scheduler:   scheduler,
		Prober:      prober,
		Registrar:   registrar,
		QRSessions:  qrSessions,
		Runner:      runner,
		WSHandler:   hub,
		Telegram:    telegram,
		FrontendURL: cfg.FrontendBaseURL,
		WGInterface: cfg.WGInterface,
	})

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("main: http server listening", "address", listener.Addr().String(), "version", version)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("main: shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	// stop producers before tearing down what they depend on
	scheduler.StopAll()
	hub.CloseAll()
	pool.CloseAll()
	vpnManager.TeardownAll(shutdownCtx)

	log.Info("main: stopped")
	return nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
