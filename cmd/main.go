package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"authority-tree/ceremony"
	"authority-tree/config"
	"authority-tree/db"
	"authority-tree/handlers"
	"authority-tree/logger"
	"authority-tree/oplog"
	"authority-tree/peer"
	"authority-tree/recovery"
	"authority-tree/repository"
	"authority-tree/routers"
	"authority-tree/snapshot"
	"authority-tree/threshold"
	"authority-tree/tree"
)

func main() {
	configPath := pflag.String("config", "config/config.yaml", "path to the replica config file")
	bootstrapFrom := pflag.String("bootstrap", "", "peer URL to start an empty replica from")
	pflag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting authority tree replica...")

	genesis, err := cfg.TreeGenesis()
	if err != nil {
		logger.Logger.Fatal("Invalid genesis", zap.Error(err))
	}
	s0, err := tree.NewState(genesis)
	if err != nil {
		logger.Logger.Fatal("Invalid genesis", zap.Error(err))
	}

	// Open storage
	store, err := db.Open(cfg.Storage.Engine, cfg.Storage.Path)
	if err != nil {
		logger.Logger.Fatal("Failed to open storage", zap.String("engine", cfg.Storage.Engine), zap.Error(err))
	}
	defer store.Close()

	opRepo, err := repository.NewOpRepository(store)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize repository", zap.Error(err))
	}

	scheme := threshold.Ed25519{}
	var log *oplog.OpLog
	if *bootstrapFrom != "" {
		log, err = bootstrap(*bootstrapFrom, s0, scheme, opRepo)
	} else {
		log, err = oplog.Load(s0, scheme, opRepo)
	}
	if err != nil {
		logger.Logger.Fatal("Failed to load operation log", zap.Error(err))
	}
	log.SetClock(time.Now, cfg.Recovery.ClockSkew)

	var share *threshold.Share
	if s, ok, err := cfg.Share(); err != nil {
		logger.Logger.Fatal("Invalid identity", zap.Error(err))
	} else if ok {
		share = &s
		logger.Logger.Info("Local signer configured", zap.Uint32("leaf", s.Signer))
	}

	coord := ceremony.NewCoordinator(log, scheme, cfg.Ceremony.Timeout)
	snaps := snapshot.NewManager(log, scheme, cfg.SnapshotPolicy())
	rec := recovery.New(coord, log, time.Now)

	h := handlers.NewHandler(log, coord, snaps, rec, share)
	for _, url := range cfg.Peers {
		p, err := peer.NewClient(url, &http.Client{Timeout: peerTimeout})
		if err != nil {
			logger.Logger.Fatal("Invalid peer", zap.String("peer", url), zap.Error(err))
		}
		h.Peers = append(h.Peers, p)
	}

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweep(ctx, cfg.Ceremony.SweepInterval, log, coord, snaps)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	<-ctx.Done()
	logger.Logger.Info("Shutdown signal received, exiting...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warn("Forced shutdown", zap.Error(err))
	}
}

// sweep drops expired ceremonies and snapshot rounds, and forgets nonces
// bound to signing contexts the canonical state has moved past
func sweep(ctx context.Context, every time.Duration, log *oplog.OpLog, coord *ceremony.Coordinator, snaps *snapshot.Manager) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			coord.Sweep(now)
			snaps.Sweep(now)
			if state, _ := log.State(); state != nil {
				coord.Retire(state)
			}
			if cut, ok := snaps.ShouldPropose(); ok {
				logger.Logger.Info("Log passed the snapshot high-water mark", zap.Uint64("cut", cut))
			}
		}
	}
}
