package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"docharvest/internal/config"
	server "docharvest/internal/http"
	"docharvest/internal/migrate"
	"docharvest/internal/scheduler"
	"docharvest/internal/store"
	"docharvest/internal/supervisor"
	"docharvest/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|supervisor|all|job")
	jobID := flag.String("job-id", "", "job id (role=job only)")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// The job role is the worker sub-process the supervisor spawns. It
	// skips migrations; the parent already ran them.
	if *role == "job" {
		runJob(cfg, logger, *jobID)
		return
	}

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	st := store.New(openDB(cfg))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve executable: %v", err)
	}

	switch *role {
	case "api":
		s := server.NewServer(cfg, st, logger)
		go func() {
			<-rootCtx.Done()
			s.Shutdown()
		}()
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "supervisor":
		sup := supervisor.New(cfg, st, logger, exe, *configPath)
		go scheduler.New(st, logger).Start(rootCtx)
		sup.Start(rootCtx)
	case "all":
		sup := supervisor.New(cfg, st, logger, exe, *configPath)
		go sup.Start(rootCtx)
		go scheduler.New(st, logger).Start(rootCtx)
		s := server.NewServer(cfg, st, logger)
		go func() {
			<-rootCtx.Done()
			s.Shutdown()
		}()
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|supervisor|all)", *role)
	}
}

func openDB(cfg *config.Config) *sql.DB {
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db
}

// runJob executes one job to completion and exits. A SIGTERM from the
// supervisor cancels the context; the worker then exits 0 and leaves
// the terminal transition to the parent.
func runJob(cfg *config.Config, logger *slog.Logger, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		log.Fatalf("invalid -job-id %q: %v", rawID, err)
	}

	db := openDB(cfg)
	db.SetMaxOpenConns(5)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	w := worker.New(cfg, store.New(db), logger.With("job_id", id))
	if err := w.Run(ctx, id); err != nil {
		logger.Error("job failed", "job_id", id, "error", err)
		os.Exit(1)
	}
}
