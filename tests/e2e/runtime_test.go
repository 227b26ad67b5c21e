package e2e

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mkrell/salesrunner/internal/agent"
	"github.com/mkrell/salesrunner/internal/bus"
	"github.com/mkrell/salesrunner/internal/store"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.Open(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func requireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
}

func TestSnapshotPersistenceAcrossRestart(t *testing.T) {
	requireContainers(t)
	ctx := context.Background()

	state := &agent.State{
		Name:                 "prospector",
		Mode:                 agent.ModeBackground,
		TotalExecutions:      12,
		SuccessfulExecutions: 10,
		AvgExecutionTime:     400 * time.Millisecond,
		ErrorRate:            2.0 / 12.0,
		ModeUsage: map[agent.ExecutionMode]int64{
			agent.ModeBackground: 12,
		},
	}
	if err := testStore.SaveSnapshot(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Upsert: a second save for the same worker replaces the row.
	state.TotalExecutions = 13
	if err := testStore.SaveSnapshot(ctx, state); err != nil {
		t.Fatalf("resave: %v", err)
	}

	loaded, err := testStore.LoadSnapshot(ctx, "prospector")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.TotalExecutions != 13 {
		t.Fatalf("loaded = %+v, want 13 executions", loaded)
	}
	if loaded.ModeUsage[agent.ModeBackground] != 12 {
		t.Errorf("mode usage = %v", loaded.ModeUsage)
	}

	missing, err := testStore.LoadSnapshot(ctx, "never-saved")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing snapshot = %+v, want nil", missing)
	}
}

func TestWorkerRestoresStateFromStore(t *testing.T) {
	requireContainers(t)
	ctx := context.Background()

	seed := &agent.State{
		Name:                 "restored",
		TotalExecutions:      5,
		SuccessfulExecutions: 5,
		ModeUsage:            map[agent.ExecutionMode]int64{agent.ModeForeground: 5},
	}
	if err := testStore.SaveSnapshot(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := agent.NewWorker(agent.Config{Name: "restored", Mode: agent.ModeForeground},
		func(ctx context.Context, req agent.Request) (any, error) { return nil, nil },
		testLogger)
	w.SetSnapshotStore(testStore)
	w.Start()
	defer w.Shutdown()

	st := w.State()
	if st.TotalExecutions != 5 {
		t.Errorf("restored executions = %d, want 5", st.TotalExecutions)
	}
}

func TestRedisRelayMirrorsDirectMessages(t *testing.T) {
	requireContainers(t)
	ctx := context.Background()

	relay, err := bus.NewRedisRelay(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	defer relay.Close()

	exch := bus.NewExchange(testLogger)
	exch.SetRelay(relay)
	sender := exch.Join("sender", 10)
	exch.Join("receiver", 10)

	sent, err := sender.Send(ctx, "receiver", map[string]string{"lead": "acme"}, bus.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	opts, _ := redis.ParseURL(testRedisURL)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	// Mirroring is asynchronous; poll the stream briefly.
	var entries []redis.XMessage
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entries, err = rdb.XRange(ctx, bus.Stream("receiver"), "-", "+").Result()
		if err == nil && len(entries) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(entries) == 0 {
		t.Fatal("no mirrored entries on the receiver stream")
	}

	raw, _ := entries[0].Values["data"].(string)
	var mirrored bus.Message
	if err := json.Unmarshal([]byte(raw), &mirrored); err != nil {
		t.Fatalf("decode mirrored message: %v", err)
	}
	if mirrored.ID != sent.ID || mirrored.To != "receiver" {
		t.Errorf("mirrored = %+v, want id %s", mirrored, sent.ID)
	}
}
