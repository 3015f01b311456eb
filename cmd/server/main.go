/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the gym ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml, .env, GYMLEDGER_* environment)
  2. Build the zap logger and Prometheus collector
  3. Open the store (memory, SQLite or Postgres) and run migrations
  4. Load the service catalog
  5. Wire the allocator, receipt issuer, ledger service, check-in
     processor, member registrar and audit dispatcher
  6. Configure the HTTP router and start the server

COMMAND-LINE FLAGS:
  -addr    Overrides server.address

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Drain the audit queue and close the sink
  4. Close the database

EXAMPLES:
  # SQLite file (default)
  GYMLEDGER_DATABASE_PATH=./data/gym.db ./server

  # Postgres with Kafka audit
  GYMLEDGER_DATABASE_DRIVER=postgres GYMLEDGER_POSTGRES_HOST=db \
  GYMLEDGER_AUDIT_SINK=kafka GYMLEDGER_KAFKA_BROKERS=kafka:9092 ./server

SEE ALSO:
  - config/config.go: Every setting and its default
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/warp/gym-ledger/api"
	"github.com/warp/gym-ledger/audit"
	"github.com/warp/gym-ledger/checkin"
	"github.com/warp/gym-ledger/config"
	"github.com/warp/gym-ledger/factory"
	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/generic/store"
	"github.com/warp/gym-ledger/ledger"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/member"
	"github.com/warp/gym-ledger/metrics"
	"github.com/warp/gym-ledger/receipt"
	"github.com/warp/gym-ledger/sequence"
	"github.com/warp/gym-ledger/store/sqlstore"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides server.address)")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Errorw("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// backend is the store together with the hooks the API needs from it.
type backend struct {
	store generic.TxStore
	reset func(context.Context) error
	ping  func(context.Context) error
	close func() error
}

func openStore(ctx context.Context, cfg *config.Configuration) (backend, error) {
	if cfg.Database.Driver == "memory" {
		mem := store.NewMemory()
		return backend{store: mem, reset: mem.Reset, close: func() error { return nil }}, nil
	}
	if cfg.Database.Driver == sqlstore.DriverSQLite && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return backend{}, errors.Wrap(err, "create database directory")
		}
	}
	s, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.DSN())
	if err != nil {
		return backend{}, err
	}
	return backend{store: s, reset: s.Reset, ping: s.DB().PingContext, close: s.Close}, nil
}

func newAuditSink(cfg *config.Configuration, log *logger.Logger) audit.Sink {
	switch cfg.Audit.Sink {
	case "kafka":
		return audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	case "none":
		return nil
	default:
		return audit.NewLogSink(log)
	}
}

func run(cfg *config.Configuration, log *logger.Logger) error {
	ctx := context.Background()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer db.close()
	log.Infow("store ready", "driver", cfg.Database.Driver)

	catalog := generic.DefaultCatalog()
	if cfg.Catalog.Path != "" {
		catalog, err = factory.NewCatalogFactory().LoadFile(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		log.Infow("service catalog loaded", "path", cfg.Catalog.Path)
	}

	m := metrics.New()

	var recorder generic.AuditRecorder = generic.NopRecorder{}
	var dispatcher *audit.Dispatcher
	if sink := newAuditSink(cfg, log); sink != nil {
		dispatcher = audit.NewDispatcher(sink,
			audit.WithBufferSize(cfg.Audit.BufferSize),
			audit.WithLogger(log),
			audit.WithMetrics(m))
		recorder = dispatcher
	}

	alloc := sequence.New(db.store,
		sequence.WithInitial(generic.DomainReceiptNumber, cfg.Sequence.ReceiptInitial),
		sequence.WithInitial(generic.DomainMemberNumber, cfg.Sequence.MemberInitial),
		sequence.WithConflictAttempts(cfg.Sequence.ConflictAttempts),
		sequence.WithRetryDelay(cfg.Sequence.RetryDelay),
		sequence.WithLogger(log),
		sequence.WithMetrics(m))

	issuer := receipt.NewIssuer(alloc)
	issuer.Audit, issuer.Log, issuer.Metrics = recorder, log, m

	ledgers := ledger.NewService(issuer, catalog)
	ledgers.Audit, ledgers.Log, ledgers.Metrics = recorder, log, m

	proc := checkin.NewProcessor(ledgers)
	proc.Audit, proc.Log, proc.Metrics = recorder, log, m

	members := member.NewRegistrar(issuer)
	members.Audit, members.Log = recorder, log

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	handler := api.NewHandler(ledgers, proc, members, auth)
	handler.Log = log
	handler.Reset = db.reset
	handler.Ping = db.ping

	local := cfg.Deployment.Mode == config.ModeLocal
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		CheckInLimiter:  api.NewRateLimiter(cfg.RateLimit.CheckInsPerMinute, cfg.RateLimit.Burst, log),
		Metrics:         m.Handler(),
		EnableScenarios: local,
	})

	if local {
		tok, err := auth.IssueToken(generic.Actor{StaffID: "admin", Role: generic.RoleAdmin, Name: "Local Admin"}, 24*time.Hour)
		if err != nil {
			return err
		}
		log.Infow("local admin token issued", "token", tok)
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("server starting", "address", cfg.Server.Address, "mode", cfg.Deployment.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errc:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	if dispatcher != nil {
		err = errors.CombineErrors(err, dispatcher.Close(shutdownCtx))
	}
	if err != nil {
		return errors.Wrap(err, "shutdown")
	}
	log.Info("server stopped")
	return nil
}
