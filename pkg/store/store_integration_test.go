//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/Sternrassler/ci-insights/pkg/model"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRuns_Integration_QueryAcrossScanBatches(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	runs := NewRuns(NewRedisStore(redisClient, 0))

	const total = 3*scanBatch + 17
	batch := make([]model.CanonicalRun, total)
	for i := range batch {
		batch[i] = model.CanonicalRun{
			RunID:    int64(i + 1),
			Owner:    "acme",
			Repo:     "api",
			Name:     "ci",
			Status:   model.StatusCompleted,
			WeekYear: fmt.Sprintf("2024_%02d", i%52+1),
		}
	}
	if err := runs.PutAll(ctx, batch); err != nil {
		t.Fatalf("PutAll() error = %v", err)
	}

	list, err := runs.List(ctx, "acme/api/ci/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != total {
		t.Errorf("List() returned %d runs, want %d", len(list), total)
	}
}
