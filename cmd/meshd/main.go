// meshd is the virtual overlay network daemon: it runs either as the
// central controller or as a client bridging a TUN device into the
// overlay, depending on -mode.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/virtnet/meshd/internal/config"
	meshcrypto "github.com/virtnet/meshd/internal/crypto"
	"github.com/virtnet/meshd/internal/meshmetrics"
	"github.com/virtnet/meshd/internal/netio"
	"github.com/virtnet/meshd/internal/overlay"
	"github.com/virtnet/meshd/internal/tunif"
	appversion "github.com/virtnet/meshd/internal/version"
)

// shutdownTimeout bounds how long graceful shutdown waits for the metrics
// server to drain active connections.
const shutdownTimeout = 10 * time.Second

var errInvalidMode = errors.New("mode must be \"controller\" or \"client\"")

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "node mode: controller or client")
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	nodeID := flag.Uint64("id", 0, "this node's 64-bit peer id (client mode only; 0 generates a random id)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("meshd starting",
		slog.String("version", appversion.Version),
		slog.String("mode", *mode),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	var runErr error
	switch *mode {
	case "controller":
		runErr = runController(cfg, logger, logLevel, *configPath)
	case "client":
		runErr = runClient(cfg, logger, *nodeID)
	default:
		runErr = fmt.Errorf("-mode=%q: %w", *mode, errInvalidMode)
	}

	if runErr != nil {
		logger.Error("meshd exited with error", slog.String("error", runErr.Error()))
		return 1
	}

	logger.Info("meshd stopped")
	return 0
}

// -------------------------------------------------------------------------
// Controller Mode
// -------------------------------------------------------------------------

func runController(cfg *config.Config, logger *slog.Logger, logLevel *slog.LevelVar, configPath string) error {
	subnet, err := cfg.Overlay.SubnetPrefix()
	if err != nil {
		return err
	}
	networkID, err := overlay.DecodeNetworkID(cfg.Overlay.NetworkID)
	if err != nil {
		return fmt.Errorf("controller network_id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := meshmetrics.NewCollector(reg)

	transport, err := netio.NewTransport(ctx, cfg.Overlay.ListenAddr, 0, logger)
	if err != nil {
		return fmt.Errorf("create controller transport: %w", err)
	}
	defer transport.Close()

	ctrl := overlay.NewController(
		transport,
		networkID,
		subnet,
		cfg.Controller.EnableRelay,
		cfg.Controller.MaxPeers,
		cfg.Overlay.KeepaliveInterval,
		cfg.Overlay.PeerTimeout,
		collector,
		logger,
	)

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg, func(mux *http.ServeMux) {
		mux.HandleFunc("/debug/peers", debugPeersHandler(ctrl, cfg.Overlay.PeerTimeout))
	})
	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		logger.Info("controller listening", slog.String("addr", cfg.Overlay.ListenAddr), slog.String("subnet", subnet.String()))
		return ctrl.Run(gCtx)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })
	g.Go(func() error {
		watchSIGHUP(gCtx, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run controller: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Client Mode
// -------------------------------------------------------------------------

func runClient(cfg *config.Config, logger *slog.Logger, nodeID uint64) error {
	if nodeID == 0 {
		var err error
		nodeID, err = randomPeerID()
		if err != nil {
			return fmt.Errorf("generate peer id: %w", err)
		}
		logger.Info("generated random peer id", slog.Uint64("peer_id", nodeID))
	}

	subnet, err := cfg.Overlay.SubnetPrefix()
	if err != nil {
		return err
	}
	networkID, err := overlay.DecodeNetworkID(cfg.Overlay.NetworkID)
	if err != nil {
		return fmt.Errorf("client network_id: %w", err)
	}
	controllerAddr, err := netip.ParseAddrPort(cfg.Client.ControllerAddr)
	if err != nil {
		return fmt.Errorf("parse client.controller_addr %q: %w", cfg.Client.ControllerAddr, err)
	}

	if cfg.Overlay.KeypairPath != "" {
		kp, err := loadOrCreateKeypair(cfg.Overlay.KeypairPath)
		if err != nil {
			return err
		}
		logger.Info("node keypair loaded",
			slog.String("path", cfg.Overlay.KeypairPath),
			slog.String("public_key", hex.EncodeToString(kp.Public[:8])),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := meshmetrics.NewCollector(reg)

	transport, err := netio.NewTransport(ctx, cfg.Overlay.ListenAddr, nodeID, logger)
	if err != nil {
		return fmt.Errorf("create client transport: %w", err)
	}
	defer transport.Close()

	tun, err := tunif.Open(cfg.Client.TUNName)
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer tun.Close()

	client := overlay.NewClient(
		nodeID,
		transport,
		tun,
		controllerAddr,
		networkID,
		subnet,
		cfg.Overlay.KeepaliveInterval,
		cfg.Client.JoinTimeout,
		cfg.Overlay.CryptoEnabled,
		collector,
		logger,
	)

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		logger.Info("client joining overlay", slog.String("controller", controllerAddr.String()), slog.Uint64("peer_id", nodeID))
		return client.Run(gCtx)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run client: %w", err)
	}
	return nil
}

// loadOrCreateKeypair reads the node's persisted long-term keypair, creating
// and saving a fresh one on first run. The key material gives a node a
// stable identity across restarts; it takes no part in packet validation.
func loadOrCreateKeypair(path string) (meshcrypto.Keypair, error) {
	kp, err := meshcrypto.LoadKeypair(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return meshcrypto.Keypair{}, fmt.Errorf("load keypair: %w", err)
	}

	kp, err = meshcrypto.GenerateKeypair()
	if err != nil {
		return meshcrypto.Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	if err := meshcrypto.SaveKeypair(path, kp); err != nil {
		return meshcrypto.Keypair{}, fmt.Errorf("persist keypair: %w", err)
	}
	return kp, nil
}

// randomPeerID draws a non-zero random 64-bit id; 0 is reserved for the
// controller.
func randomPeerID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("read random bytes: %w", err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id, nil
		}
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled", slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level only; the overlay has no declarative
// session set to reconcile the way gobfd's config.Sessions did.
// -------------------------------------------------------------------------

func watchSIGHUP(ctx context.Context, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	defer signal.Stop(sigHUP)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded", slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry, register ...func(*http.ServeMux)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	for _, fn := range register {
		fn(mux)
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// debugPeerView is the JSON shape served by /debug/peers.
type debugPeerView struct {
	PeerID         uint64 `json:"peer_id"`
	PublicEndpoint string `json:"public_endpoint"`
	VirtualIP      string `json:"virtual_ip"`
	LastSeenAge    string `json:"last_seen_age"`
	Reachable      bool   `json:"reachable"`
	Active         bool   `json:"active"`
}

// debugPeersHandler serves the controller's live peer table as JSON on the
// metrics HTTP listener, for operational inspection alongside /metrics.
func debugPeersHandler(ctrl *overlay.Controller, peerTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		now := time.Now()
		peers := ctrl.Table().Snapshot()
		views := make([]debugPeerView, 0, len(peers))
		for _, p := range peers {
			age := now.Sub(p.LastSeen)
			views = append(views, debugPeerView{
				PeerID:         p.ID,
				PublicEndpoint: p.PublicEndpoint.String(),
				VirtualIP:      p.VirtualIP.String(),
				LastSeenAge:    age.Round(time.Millisecond).String(),
				Reachable:      p.Reachable,
				Active:         age <= peerTimeout,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(views)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
