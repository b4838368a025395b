package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
	pgloader "trivia-live-service/internal/infra/postgres"
	pgmigrations "trivia-live-service/internal/infra/postgres/migrations"
	infraredis "trivia-live-service/internal/infra/redis"
)

func TestFullRoundEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedQuestions(t, ctx, pgURL, sampleQuestions())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	pusher := &collectingPusher{msgs: make(map[string][]map[string]any)}
	svc := app.NewGameService(app.Config{
		Store:     infraredis.NewGameStore(redisClient, time.Hour),
		Questions: infraredis.NewQuestionRepository(redisClient, pgloader.NewQuestionLoader(pool), 5*time.Minute),
		Ledger:    infraredis.NewAnswerLedger(redisClient, time.Hour),
		Claims:    infraredis.NewRoundClaims(redisClient, time.Hour),
		Queue:     infraredis.NewAnswerQueue(redisClient),
		Pusher:    pusher,
		Logger:    zerolog.Nop(),
	})

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() { _ = svc.Aggregator().Run(workerCtx) }()

	g, err := svc.Create(ctx, "host-conn", "ABC123")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.TotalQuestions != 2 {
		t.Fatalf("expected 2 questions from postgres, got %d", g.TotalQuestions)
	}
	if _, err := svc.Join(ctx, "ABC123", "Alice", "conn-a"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "Bob", "conn-b"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	started, err := svc.Start(ctx, g.ID, "host-conn")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Both players answer the first question; the worker consumes the
	// queue and finalizes the round once the second answer lands.
	if err := svc.Submit(ctx, "ABC123", "Alice", "q1", "Mars", "conn-a", started.RoundStart.Add(2*time.Second)); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if err := svc.Submit(ctx, "ABC123", "Bob", "q1", "Venus", "conn-b", started.RoundStart.Add(4*time.Second)); err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	store := infraredis.NewGameStore(redisClient, time.Hour)
	deadline := time.Now().Add(10 * time.Second)
	var scored domain.Game
	waitFor(t, deadline, func() bool {
		cur, err := store.Get(ctx, g.ID)
		if err != nil {
			return false
		}
		scored = cur
		p, ok := cur.Player("conn-a")
		return ok && p.LastResult != nil
	})

	alice, _ := scored.Player("conn-a")
	bob, _ := scored.Player("conn-b")
	if alice.Score != 800 || alice.Streak != 1 {
		t.Fatalf("alice: score=%d streak=%d, want 800/1", alice.Score, alice.Streak)
	}
	if bob.Score != 0 || bob.Streak != 0 {
		t.Fatalf("bob: score=%d streak=%d, want 0/0", bob.Score, bob.Streak)
	}
	if n := pusher.count("host-conn", "roundEnded"); n != 1 {
		t.Fatalf("round finalized %d times, want 1", n)
	}
}

func waitFor(t *testing.T, deadline time.Time, cond func() bool) {
	t.Helper()
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "trivia", "POSTGRES_PASSWORD": "triviapass", "POSTGRES_DB": "triviadb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://trivia:triviapass@%s:%s/triviadb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedQuestions(t *testing.T, ctx context.Context, dsn string, questions []domain.Question) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for i, q := range questions {
		data, err := json.Marshal(q)
		if err != nil {
			t.Fatalf("marshal question: %v", err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO questions (id, position, data) VALUES (?, ?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET position=EXCLUDED.position, data=EXCLUDED.data`,
			q.ID, i, string(data)); err != nil {
			t.Fatalf("insert question: %v", err)
		}
	}
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{ID: "q1", Text: "Which planet is known as the Red Planet?", Options: []string{"Venus", "Mars"}, CorrectAnswer: "Mars"},
		{ID: "q2", Text: "What is the largest ocean on Earth?", Options: []string{"Atlantic", "Pacific"}, CorrectAnswer: "Pacific"},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}

type collectingPusher struct {
	mu   sync.Mutex
	msgs map[string][]map[string]any
}

func (p *collectingPusher) Push(_ context.Context, connID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[connID] = append(p.msgs[connID], m)
	return nil
}

func (p *collectingPusher) count(connID, msgType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs[connID] {
		if m["type"] == msgType {
			n++
		}
	}
	return n
}
