package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/config"
	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/infra/memory"
	pgloader "trivia-live-service/internal/infra/postgres"
	redisinfra "trivia-live-service/internal/infra/redis"
	transport "trivia-live-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the trivia server and scoring workers",
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
	log := newLogger(cfg)

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

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	gameTTL := config.TTLDuration(cfg.Redis.TTL, 4*time.Hour)
	questionTTL := config.TTLDuration(cfg.Questions.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuestionLoader = memory.NewStaticQuestionLoader(sampleQuestions())
	if pool != nil {
		loader = pgloader.NewQuestionLoader(pool)
	}

	var questions app.QuestionRepository
	var store app.GameStore
	var ledger app.AnswerLedger
	var claims app.RoundClaims
	var queue app.AnswerQueue
	if redisClient != nil {
		questions = redisinfra.NewQuestionRepository(redisClient, loader, questionTTL)
		store = redisinfra.NewGameStore(redisClient, gameTTL)
		ledger = redisinfra.NewAnswerLedger(redisClient, gameTTL)
		claims = redisinfra.NewRoundClaims(redisClient, gameTTL)
		rq := redisinfra.NewAnswerQueue(redisClient)
		// Re-queue answers a previous process dequeued but never acked.
		if err := rq.Recover(ctx); err != nil {
			return err
		}
		queue = rq
	} else {
		questions = memory.NewQuestionRepository(loader, questionTTL)
		store = memory.NewGameStore()
		ledger = memory.NewAnswerLedger()
		claims = memory.NewRoundClaims()
		queue = memory.NewAnswerQueue(0)
	}

	hub := transport.NewHub(log)
	service := app.NewGameService(app.Config{
		Store:         store,
		Questions:     questions,
		Ledger:        ledger,
		Claims:        claims,
		Queue:         queue,
		Pusher:        hub,
		Logger:        log,
		AnswerTimeout: config.TTLDuration(cfg.Game.AnswerTimeout, 0),
		TimeoutGrace:  config.TTLDuration(cfg.Game.TimeoutGrace, 0),
	})
	wsHandler := transport.NewWSHandler(service, hub, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workers := cfg.Game.Workers
	if workers <= 0 {
		workers = 4
	}
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			return service.Aggregator().Run(workerCtx)
		})
	}

	go func() {
		log.Info().Str("port", finalPort).Int("workers", workers).Msg("starting trivia service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	stopWorkers()
	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("worker shutdown error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// sampleQuestions is the no-database question bank; swap in the Postgres
// loader by configuring postgres.url.
func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:            "q1",
			Text:          "Which planet is known as the Red Planet?",
			Options:       []string{"Venus", "Mars", "Jupiter", "Mercury"},
			CorrectAnswer: "Mars",
		},
		{
			ID:            "q2",
			Text:          "What is the largest ocean on Earth?",
			Options:       []string{"Atlantic", "Indian", "Pacific", "Arctic"},
			CorrectAnswer: "Pacific",
		},
		{
			ID:            "q3",
			Text:          "How many continents are there?",
			Options:       []string{"5", "6", "7", "8"},
			CorrectAnswer: "7",
		},
	}
}
