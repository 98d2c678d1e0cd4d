package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/wfunc/raffleserver/audit"
	"github.com/wfunc/raffleserver/auth"
	"github.com/wfunc/raffleserver/config"
	"github.com/wfunc/raffleserver/coordinator"
	"github.com/wfunc/raffleserver/fanout"
	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/logger"
	"github.com/wfunc/raffleserver/monitor"
	"github.com/wfunc/raffleserver/persistence"
	"github.com/wfunc/raffleserver/queue"
	"github.com/wfunc/raffleserver/server"
	"github.com/wfunc/raffleserver/session"
)

func main() {
	// Initialize logger
	logger.Init()
	defer logger.Sync()

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Database
	var store persistence.Store
	switch cfg.Database.Driver {
	case "sql":
		store, err = persistence.NewPostgreSQL(
			cfg.Database.Postgres.Host,
			cfg.Database.Postgres.Port,
			cfg.Database.Postgres.User,
			cfg.Database.Postgres.Password,
			cfg.Database.Postgres.DBName,
		)
	default:
		store, err = persistence.NewGormPostgreSQL(
			cfg.Database.Postgres.Host,
			cfg.Database.Postgres.Port,
			cfg.Database.Postgres.User,
			cfg.Database.Postgres.Password,
			cfg.Database.Postgres.DBName,
		)
	}
	if err != nil {
		logger.Log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	logger.Log.Info("Database connection successful.")

	// Audit sink
	var sink audit.Notifier = audit.Nop{}
	if cfg.NATS.Enabled {
		natsSink, err := audit.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			logger.Log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsSink.Close()
		sink = natsSink
	}

	// Metrics
	metrics := monitor.NewMonitor("raffleserver")
	if cfg.Server.MetricsAddress != "" {
		metrics.StartServer(cfg.Server.MetricsAddress)
	}

	// Core wiring
	ldg := ledger.New(store)
	rooms, err := ldg.EnsureRooms(cfg.Game.Rooms, cfg.Game.CountdownSeconds)
	if err != nil {
		logger.Log.Fatalf("Failed to provision rooms: %v", err)
	}

	sessions := session.NewManager()
	fan := fanout.New(sessions, ldg)

	procQueue := queue.New(ldg, cfg.Game.QueueWorkers)
	coord := coordinator.New(ldg, procQueue, fan, sink,
		clockwork.NewRealClock(), metrics, cfg.Game)

	procQueue.Start()
	coord.Register(rooms)

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx, procQueue.Events())

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	raffleServer := server.NewRaffleServer(
		cfg.Server.HTTPAddress, cfg.Server.RPCAddress,
		store, ldg, coord, fan, sessions, verifier, metrics)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Log.Info("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		raffleServer.Shutdown(shutdownCtx)
		coord.Stop()
		procQueue.Stop()
		cancel()
	}()

	// Start Server
	logger.Log.Infof("Starting raffle server on %s", cfg.Server.HTTPAddress)
	if err := raffleServer.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}
