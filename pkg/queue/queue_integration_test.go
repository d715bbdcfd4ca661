//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts redis with append-only persistence, the
// configuration the queue expects in production.
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		Cmd:          []string{"redis-server", "--appendonly", "yes"},
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisBackend_Integration_SharedQueue(t *testing.T) {
	rdb := setupRedisContainer(t)
	ctx := context.Background()

	// Two proxies sharing one redis see the same queue.
	a := New(NewRedisBackend(rdb), zerolog.Nop())
	b := New(NewRedisBackend(rdb), zerolog.Nop())

	first, err := a.Enqueue(ctx, postItem("http://origin.test/api/a", "a", PriorityNormal))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := b.Enqueue(ctx, postItem("http://origin.test/panic", "b", PriorityCritical))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	items, err := a.Drain(ctx, FilterAll)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(items) != 2 || items[0].ID != second.ID || items[1].ID != first.ID {
		t.Fatalf("Drain() = %v, want [%s %s]", ids(items), second.ID, first.ID)
	}

	if err := b.Remove(ctx, first.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if n, _ := a.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}
