package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/bpi/pkg/api"
	"github.com/Mindburn-Labs/bpi/pkg/config"
	"github.com/Mindburn-Labs/bpi/pkg/evaluator"
	"github.com/Mindburn-Labs/bpi/pkg/identity"
	"github.com/Mindburn-Labs/bpi/pkg/storage"
	"github.com/Mindburn-Labs/bpi/pkg/vsm"
)

func main() {
	profileDir := flag.String("profiles", "profiles", "directory holding deployment profile YAML files")
	profile := flag.String("profile", "", "deployment profile name to overlay onto env config")
	flag.Parse()

	cfg := config.Load()
	if *profile != "" {
		p, err := config.LoadProfile(*profileDir, *profile)
		if err != nil {
			log.Fatalf("profile: %v", err)
		}
		p.Apply(cfg)
	}

	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	subjects, err := storage.NewSubjectStore(db)
	if err != nil {
		log.Fatalf("subject store: %v", err)
	}
	workgroups, err := storage.NewWorkgroupStore(db, subjects)
	if err != nil {
		log.Fatalf("workgroup store: %v", err)
	}
	worksteps, err := storage.NewWorkstepStore(db)
	if err != nil {
		log.Fatalf("workstep store: %v", err)
	}
	workflows, err := storage.NewWorkflowStore(db, worksteps)
	if err != nil {
		log.Fatalf("workflow store: %v", err)
	}
	transactions, err := storage.NewTransactionStore(db)
	if err != nil {
		log.Fatalf("transaction store: %v", err)
	}
	accounts := storage.NewAccountStore(db)

	eval, err := evaluator.New()
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}
	cycle, err := vsm.NewCycle(subjects, accounts, transactions, workflows, worksteps, eval)
	if err != nil {
		log.Fatalf("vsm: %v", err)
	}
	scheduler := vsm.NewScheduler(cycle, cfg.CycleInterval)

	challenges, err := newChallengeStore(cfg)
	if err != nil {
		log.Fatalf("challenge store: %v", err)
	}
	tokens := identity.NewTokenManager([]byte(cfg.TokenSecret), cfg.TokenTTL)
	ident := identity.NewService(challenges, tokens, subjects)

	server := api.NewServer(api.ServerDeps{
		Subjects:     subjects,
		Workgroups:   workgroups,
		Worksteps:    worksteps,
		Workflows:    workflows,
		Transactions: transactions,
		Accounts:     accounts,
		Identity:     ident,
		Tokens:       tokens,
		Scheduler:    scheduler,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Start(ctx)

	logger.Info("bpi node starting",
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"cycle_interval", cfg.CycleInterval,
	)
	if err := server.ListenAndServe(ctx, ":"+cfg.Port); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("bpi node stopped")
}

// newChallengeStore picks Redis when configured, process memory
// otherwise. Memory is fine for a single replica; Redis shares the
// challenge space across replicas.
func newChallengeStore(cfg *config.Config) (identity.ChallengeStore, error) {
	if cfg.RedisURL == "" {
		return identity.NewMemoryChallengeStore(cfg.ChallengeTTL), nil
	}
	opts, err := backend.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := backend.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return identity.NewRedisChallengeStore(client, cfg.ChallengeTTL), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
