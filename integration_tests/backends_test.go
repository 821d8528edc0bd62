package integration_tests

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/asyncq/pkg/heartbeat"
	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/notify"
	"github.com/guido-cesarano/asyncq/pkg/storage"
	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

const redisAddr = "localhost:6379"

// setupIntegrationRedis checks the local Redis instance is reachable.
// Requires docker-compose up -d to be running.
func setupIntegrationRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at %s (%v)", redisAddr, err)
	}
}

func TestIntegrationFlow(t *testing.T) {
	setupIntegrationRedis(t)
	ctx := context.Background()

	m := notify.NewRedis(redisAddr)
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Close()

	topic := "task_status_integration"
	received := make(chan notify.Message, 16)
	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	if err := m.Subscribe(subCtx, topic, func(msg notify.Message) { received <- msg }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	store := storage.NewRedis(redisAddr, time.Minute)
	defer store.Close()

	pub := notify.NewPublisher(m, topic, time.Second, zerolog.Nop())
	work := func(ctx context.Context, payload interface{}) (interface{}, error) {
		loc, err := store.Upload(ctx, "integration/result.txt", strings.NewReader("done"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"archive_url": loc}, nil
	}

	mgr, err := manager.New(manager.Config{QueueSize: 4, Workers: 1, PollInterval: 50 * time.Millisecond}, work,
		manager.WithLogger(zerolog.Nop()), manager.WithObserver(pub))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 1. Submit
	id, err := mgr.Submit(map[string]interface{}{"msg": "hello"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// 2. Drain
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mgr.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	pub.Wait()

	snap, ok := mgr.GetStatus(id)
	if !ok || snap.Status != tasks.StatusCompleted {
		t.Fatalf("Expected completed task, got %+v (found=%v)", snap, ok)
	}

	// 3. Terminal status was published
	select {
	case msg := <-received:
		if msg["task_id"] != id || msg["status"] != string(tasks.StatusCompleted) {
			t.Errorf("Unexpected message %v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No status message received")
	}

	// 4. Archive is readable
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	data, err := rdb.Get(ctx, "blob:integration/result.txt").Bytes()
	if err != nil {
		t.Fatalf("Reading archive failed: %v", err)
	}
	if string(data) != "done" {
		t.Errorf("Expected archived data 'done', got %q", data)
	}
}

func TestIntegrationHeartbeat(t *testing.T) {
	setupIntegrationRedis(t)
	ctx := context.Background()

	reg, err := heartbeat.New(heartbeat.Config{Name: "asyncq-integration", RedisAddr: redisAddr, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	list, err := reg.Instances(ctx)
	if err != nil {
		t.Fatalf("Instances failed: %v", err)
	}
	found := false
	for _, info := range list {
		if info.InstanceID == reg.ServiceInfo().InstanceID {
			found = true
		}
	}
	if !found {
		t.Errorf("Instance not registered, got %v", list)
	}

	if err := reg.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop failed: %v", err)
	}
}
