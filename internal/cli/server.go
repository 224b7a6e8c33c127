package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"battle-quiz-service/internal/app"
	"battle-quiz-service/internal/config"
	"battle-quiz-service/internal/domain"
	amqppub "battle-quiz-service/internal/infra/amqp"
	"battle-quiz-service/internal/infra/memory"
	"battle-quiz-service/internal/infra/postgres"
	redisstore "battle-quiz-service/internal/infra/redis"
	transport "battle-quiz-service/internal/transport/http"
	"battle-quiz-service/pkg/logger"
	"battle-quiz-service/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battle quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		return err
	}
	log := logger.Named("server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	mm := metrics.NewManager()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	loader, err := quizLoader(ctx, cfg, pool, log)
	if err != nil {
		return err
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var store app.MatchStore
	var pruner app.Pruner
	if redisClient != nil {
		store = redisstore.NewMatchStore(redisClient, redisTTL, cfg.Match.MaxRetries)
	} else {
		memStore := memory.NewMatchStore()
		store, pruner = memStore, memStore
	}

	var wallet app.Wallet
	switch {
	case pool != nil:
		wallet = postgres.NewWallet(pool)
	case redisClient != nil:
		wallet = redisstore.NewWallet(redisClient, cfg.Match.MaxRetries)
	default:
		log.Warn(ctx, "no durable wallet configured, balances live in process memory")
		wallet = memory.NewWallet()
	}

	rounds, err := domain.ParseRoundPolicy(cfg.Match.RoundPolicy)
	if err != nil {
		return err
	}
	fraction, err := cfg.PayoutFraction()
	if err != nil {
		return err
	}

	grace := config.TTLDuration(cfg.Match.DisconnectGrace, 30*time.Second)
	hub := transport.NewHub(grace, logger.Named("gateway"), mm)

	orchestratorOpts := []app.OrchestratorOption{
		app.WithNotifier(hub),
		app.WithPolicy(app.Policy{PayoutFraction: fraction, Rounds: rounds}),
		app.WithLogger(logger.Named("orchestrator")),
		app.WithMetrics(mm),
	}

	var history transport.HistoryReader
	if cfg.Postgres.URL != "" {
		db := postgres.OpenBun(cfg.Postgres.URL)
		defer db.Close()
		archive := postgres.NewArchive(db)
		orchestratorOpts = append(orchestratorOpts, app.WithArchive(archive))
		history = archive
	}

	if cfg.AMQP.URL != "" {
		publisher, err := amqppub.Dial(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return err
		}
		defer publisher.Close()
		orchestratorOpts = append(orchestratorOpts, app.WithResultPublisher(publisher))
	}

	orchestrator := app.NewOrchestrator(store, wallet, quizRepo, orchestratorOpts...)
	matchmaker := app.NewMatchmaker(store, wallet, quizRepo, orchestrator,
		app.WithPairAttempts(cfg.Match.MaxRetries),
		app.WithDefaultQuestionCount(cfg.Match.QuestionCount),
		app.WithWaitTimeout(config.TTLDuration(cfg.Match.WaitTimeout, 2*time.Minute)),
		app.WithMatchmakerNotifier(hub),
		app.WithMatchmakerLogger(logger.Named("matchmaker")),
		app.WithMatchmakerMetrics(mm),
	)
	sweeper := app.NewSweeper(matchmaker, orchestrator, hub, app.SweeperConfig{
		Interval:    config.TTLDuration(cfg.Match.SweepInterval, 5*time.Second),
		IdleTimeout: config.TTLDuration(cfg.Match.IdleTimeout, 5*time.Minute),
		Retention:   config.TTLDuration(cfg.Match.Retention, 10*time.Minute),
		Pruner:      pruner,
	}, logger.Named("sweeper"))

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	identity := transport.NewIdentity(cfg.Auth.JWTSecret)
	router := transport.NewRouter(transport.RouterDeps{
		API:      transport.NewAPIHandler(matchmaker, orchestrator, wallet, history, logger.Named("api")),
		WS:       transport.NewWSHandler(hub, matchmaker, orchestrator, identity, logger.Named("gateway")),
		Identity: identity,
		Metrics:  mm,
		Log:      logger.Named("http"),
	})

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "starting battle quiz service", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// quizLoader picks where quiz content comes from. A bank file seeds Postgres when
// both are configured; with neither, the built-in demo quizzes are served.
func quizLoader(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, log logger.Logger) (memory.QuizLoader, error) {
	var bank *memory.StaticQuizLoader
	if cfg.Quiz.BankPath != "" {
		var err error
		if bank, err = memory.LoadQuizBank(cfg.Quiz.BankPath); err != nil {
			return nil, err
		}
	}

	if pool == nil {
		if bank != nil {
			return bank, nil
		}
		log.Warn(ctx, "no quiz source configured, serving demo quizzes")
		return memory.NewStaticQuizLoader(sampleQuizzes()), nil
	}

	pg := postgres.NewQuizLoader(pool)
	if bank != nil {
		for _, quiz := range bank.Quizzes() {
			if err := pg.SaveQuiz(ctx, quiz); err != nil {
				return nil, err
			}
		}
		log.Info(ctx, "quiz bank seeded", logger.Int("quizzes", len(bank.Quizzes())))
	}
	return pg, nil
}

// sampleQuizzes serves a free and a paid demo battle.
func sampleQuizzes() map[string]domain.Quiz {
	questions := []domain.Question{
		{ID: "q1", Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1},
		{ID: "q2", Prompt: "Which planet is closest to the sun?", Options: []string{"Venus", "Mercury", "Mars"}, CorrectIndex: 1},
		{ID: "q3", Prompt: "How many sides does a hexagon have?", Options: []string{"6", "8", "5"}, CorrectIndex: 0},
	}
	return map[string]domain.Quiz{
		"free-warmup": {
			ID:                 "free-warmup",
			Title:              "Warm-up battle",
			EntryAmount:        decimal.Zero,
			TimePerQuestionSec: 15,
			MaxPlayers:         2,
			Active:             true,
			Questions:          questions,
		},
		"quiz-1": {
			ID:                 "quiz-1",
			Title:              "General knowledge",
			EntryAmount:        decimal.NewFromInt(10),
			QuestionCount:      3,
			TimePerQuestionSec: 15,
			MaxPlayers:         2,
			Active:             true,
			Questions:          questions,
		},
	}
}
